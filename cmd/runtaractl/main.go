// Command runtaractl is the management CLI for a runtara-environment
// instance: list images, start/stop instances, list instance
// statuses, send signals, and check server health.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"

	"github.com/runtara/core/protocol"
)

type globalOptions struct {
	Addr  string `long:"addr" env:"RUNTARA_ENVIRONMENT_ADDR" default:"localhost:8002" description:"runtara-environment management address"`
	Token string `long:"token" env:"RUNTARA_TOKEN" description:"bearer token for the management RPC surface"`
}

var opts globalOptions

type listImagesCmd struct{}

func (c *listImagesCmd) Execute(args []string) error {
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.ListImagesResponse
	if err := client.Call(context.Background(), protocol.RPCListImages, protocol.ListImagesRequest{Token: opts.Token}, &resp); err != nil {
		return err
	}
	for _, img := range resp.Images {
		fmt.Printf("%s\t%s\t%s\n", color.CyanString(img.ImageID), img.Name, img.RunnerType)
	}
	return nil
}

type startCmd struct {
	Image      string `long:"image" required:"true" description:"image name to start"`
	InstanceID string `long:"instance-id" description:"instance id (generated if omitted)"`
}

func (c *startCmd) Execute(args []string) error {
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.StartInstanceResponse
	req := protocol.StartInstanceRequest{Token: opts.Token, ImageName: c.Image, InstanceID: c.InstanceID}
	if err := client.Call(context.Background(), protocol.RPCStartInstance, req, &resp); err != nil {
		return err
	}
	fmt.Println(color.GreenString("started %s", resp.InstanceID))
	return nil
}

type stopCmd struct {
	InstanceID   string `long:"instance-id" required:"true"`
	Reason       string `long:"reason"`
	GraceSeconds int    `long:"grace-seconds" default:"5"`
}

func (c *stopCmd) Execute(args []string) error {
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.StopInstanceResponse
	req := protocol.StopInstanceRequest{Token: opts.Token, InstanceID: c.InstanceID, Reason: c.Reason, GraceSeconds: c.GraceSeconds}
	if err := client.Call(context.Background(), protocol.RPCStopInstance, req, &resp); err != nil {
		return err
	}
	fmt.Println(color.YellowString("stop requested for %s", c.InstanceID))
	return nil
}

type statusCmd struct {
	Status string `long:"filter-status" description:"only list instances in this status"`
}

func (c *statusCmd) Execute(args []string) error {
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.ListInstancesResponse
	req := protocol.ListInstancesRequest{Token: opts.Token, Status: c.Status}
	if err := client.Call(context.Background(), protocol.RPCListInstances, req, &resp); err != nil {
		return err
	}
	for _, inst := range resp.Instances {
		fmt.Printf("%s\t%s\n", inst.InstanceID, statusColor(inst.Status))
	}
	return nil
}

type sendSignalCmd struct {
	InstanceID string `long:"instance-id" required:"true"`
	Signal     string `long:"signal" required:"true" description:"cancel|pause|resume"`
}

func (c *sendSignalCmd) Execute(args []string) error {
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.SendSignalResponse
	req := protocol.SendSignalRequest{Token: opts.Token, InstanceID: c.InstanceID, SignalType: c.Signal}
	if err := client.Call(context.Background(), protocol.RPCSendSignal, req, &resp); err != nil {
		return err
	}
	fmt.Println(color.GreenString("signal %s sent to %s", c.Signal, c.InstanceID))
	return nil
}

type healthCmd struct{}

func (c *healthCmd) Execute(args []string) error {
	client, err := dial()
	if err != nil {
		return err
	}
	defer client.Close()

	var resp protocol.HealthCheckResponse
	if err := client.Call(context.Background(), protocol.RPCHealthCheck, protocol.HealthCheckRequest{}, &resp); err != nil {
		return err
	}
	if resp.OK {
		fmt.Println(color.GreenString("ok (version %s)", resp.Version))
	} else {
		fmt.Println(color.RedString("not ok"))
	}
	return nil
}

func statusColor(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed", "cancelled":
		return color.RedString(status)
	case "running":
		return color.CyanString(status)
	default:
		return status
	}
}

func dial() (*protocol.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tlsConfig, err := protocol.GenerateDevTLSConfig("runtara")
	if err != nil {
		return nil, err
	}
	return protocol.Dial(ctx, opts.Addr, protocol.TransportConfig{TLSConfig: tlsConfig, ConnectTimeout: 10 * time.Second})
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.AddCommand("list-images", "List registered images", "", &listImagesCmd{})
	parser.AddCommand("start", "Start an instance", "", &startCmd{})
	parser.AddCommand("stop", "Request an instance stop", "", &stopCmd{})
	parser.AddCommand("status", "List instance statuses", "", &statusCmd{})
	parser.AddCommand("send-signal", "Send a signal to an instance", "", &sendSignalCmd{})
	parser.AddCommand("health", "Check server health", "", &healthCmd{})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, color.RedString(err.Error()))
		os.Exit(1)
	}
}
