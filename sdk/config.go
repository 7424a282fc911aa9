package sdk

import "os"

// ContainerEnv is the environment-variable contract the environment
// manager's OCI/native runner sets inside a workflow container (§6).
type ContainerEnv struct {
	InstanceID            string
	TenantID              string
	DataDir               string
	CoreAddr              string
	StderrLogPath         string
	InputJSON             string // optional, testing harness only
	ConnectionServiceURL  string // optional
}

// LoadContainerEnv reads the fixed set of environment variables the
// runner injects into every workflow container.
func LoadContainerEnv() ContainerEnv {
	return ContainerEnv{
		InstanceID:           os.Getenv("RUNTARA_INSTANCE_ID"),
		TenantID:             os.Getenv("RUNTARA_TENANT_ID"),
		DataDir:              os.Getenv("DATA_DIR"),
		CoreAddr:             os.Getenv("RUNTARA_CORE_ADDR"),
		StderrLogPath:        os.Getenv("STDERR_LOG_PATH"),
		InputJSON:            os.Getenv("INPUT_JSON"),
		ConnectionServiceURL: os.Getenv("CONNECTION_SERVICE_URL"),
	}
}
