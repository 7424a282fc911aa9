package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// OciSpec is the subset of the OCI runtime config.json this runner
// generates, targeting crun.
type OciSpec struct {
	OCIVersion string     `json:"ociVersion"`
	Process    OciProcess `json:"process"`
	Root       OciRoot    `json:"root"`
	Mounts     []OciMount `json:"mounts"`
	Linux      OciLinux   `json:"linux"`
}

type OciProcess struct {
	Terminal bool     `json:"terminal"`
	Args     []string `json:"args"`
	Env      []string `json:"env"`
	Cwd      string   `json:"cwd"`
	User     *OciUser `json:"user,omitempty"`
}

type OciUser struct {
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`
}

type OciRoot struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly"`
}

type OciMount struct {
	Destination string   `json:"destination"`
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Options     []string `json:"options"`
}

type OciLinux struct {
	Namespaces []OciNamespace `json:"namespaces"`
	Resources  *OciResources  `json:"resources,omitempty"`
}

type OciNamespace struct {
	Type string `json:"type"`
}

type OciResources struct {
	Memory *OciMemory `json:"memory,omitempty"`
	CPU    *OciCpu    `json:"cpu,omitempty"`
}

type OciMemory struct {
	Limit uint64 `json:"limit"`
}

type OciCpu struct {
	Quota  int64  `json:"quota"`
	Period uint64 `json:"period"`
}

// BundleConfig holds the resource limits applied to every bundle this
// manager prepares.
type BundleConfig struct {
	MemoryLimit uint64 // bytes, default 512MB
	CPUQuota    int64  // microseconds per period, default 50000 (50%)
	CPUPeriod   uint64 // microseconds, default 100000 (100ms)
	User        *OciUser
}

func DefaultBundleConfig() BundleConfig {
	return BundleConfig{
		MemoryLimit: 512 * 1024 * 1024,
		CPUQuota:    50000,
		CPUPeriod:   100000,
	}
}

// BundleManager creates and updates OCI bundles under a shared
// bundles directory, one subdirectory per instance.
type BundleManager struct {
	bundlesDir string
	config     BundleConfig
}

func NewBundleManager(bundlesDir string, config BundleConfig) *BundleManager {
	return &BundleManager{bundlesDir: bundlesDir, config: config}
}

func (m *BundleManager) BundlePath(instanceID string) string {
	return filepath.Join(m.bundlesDir, instanceID)
}

func (m *BundleManager) BundleExists(instanceID string) bool {
	dir := m.BundlePath(instanceID)
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, "rootfs", "binary"))
	return err == nil
}

// PrepareBundle writes the instance binary into a fresh rootfs and an
// initial config.json, returning the bundle directory.
func (m *BundleManager) PrepareBundle(instanceID string, binary []byte) (string, error) {
	bundleDir := m.BundlePath(instanceID)
	rootfsDir := filepath.Join(bundleDir, "rootfs")
	if err := os.MkdirAll(rootfsDir, 0o755); err != nil {
		return "", fmt.Errorf("oci bundle: mkdir %s: %w", rootfsDir, err)
	}

	binaryPath := filepath.Join(rootfsDir, "binary")
	if err := os.WriteFile(binaryPath, binary, 0o755); err != nil {
		return "", fmt.Errorf("oci bundle: write binary: %w", err)
	}

	spec := m.generateSpec([]string{"PATH=/usr/bin"}, "", "")
	if err := writeSpec(filepath.Join(bundleDir, "config.json"), spec); err != nil {
		return "", err
	}
	return bundleDir, nil
}

// UpdateBundleEnv rewrites config.json with the runtime environment
// variables for one launch, keeping the rest of the bundle as-is.
func (m *BundleManager) UpdateBundleEnv(instanceID string, env map[string]string, logPath string) error {
	return m.UpdateBundleEnvAt(m.BundlePath(instanceID), env, logPath)
}

func (m *BundleManager) UpdateBundleEnvAt(bundlePath string, env map[string]string, logPath string) error {
	return m.writeConfigAt(filepath.Join(bundlePath, "config.json"), env, logPath)
}

func (m *BundleManager) writeConfigAt(configPath string, env map[string]string, logPath string) error {
	merged, err := mergeEnvOverlay(configPath, env)
	if err != nil {
		return err
	}

	envList := []string{"PATH=/usr/bin"}
	var dataDir string
	for k, v := range merged {
		envList = append(envList, k+"="+v)
		if k == "DATA_DIR" {
			dataDir = v
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("oci bundle: mkdir %s: %w", filepath.Dir(configPath), err)
	}

	spec := m.generateSpec(envList, dataDir, logPath)
	return writeSpec(configPath, spec)
}

// mergeEnvOverlay applies env as an RFC 7396 merge patch over the env
// of any config.json already at configPath, so relaunching an
// instance with an updated env patches in place rather than
// clobbering entries the previous config carried.
func mergeEnvOverlay(configPath string, env map[string]string) (map[string]string, error) {
	existing := map[string]string{}
	if raw, err := os.ReadFile(configPath); err == nil {
		var prior OciSpec
		if jsonErr := json.Unmarshal(raw, &prior); jsonErr == nil {
			for _, kv := range prior.Process.Env {
				if k, v, ok := splitEnvVar(kv); ok && k != "PATH" {
					existing[k] = v
				}
			}
		}
	}

	baseJSON, err := json.Marshal(existing)
	if err != nil {
		return nil, fmt.Errorf("oci bundle: marshal base env: %w", err)
	}
	patchJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("oci bundle: marshal env overlay: %w", err)
	}
	mergedJSON, err := jsonpatch.MergePatch(baseJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("oci bundle: merge env overlay: %w", err)
	}

	var merged map[string]string
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("oci bundle: unmarshal merged env: %w", err)
	}
	return merged, nil
}

func splitEnvVar(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

func (m *BundleManager) generateSpec(env []string, dataDir, logPath string) OciSpec {
	mounts := []OciMount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{
			Destination: "/dev", Type: "tmpfs", Source: "tmpfs",
			Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"},
		},
		{Destination: "/etc/resolv.conf", Type: "bind", Source: "/etc/resolv.conf", Options: []string{"bind", "ro"}},
		{Destination: "/etc/hosts", Type: "bind", Source: "/etc/hosts", Options: []string{"bind", "ro"}},
		{Destination: "/dev/null", Type: "bind", Source: "/dev/null", Options: []string{"bind", "rw"}},
	}
	if dataDir != "" {
		mounts = append(mounts, OciMount{Destination: dataDir, Type: "bind", Source: dataDir, Options: []string{"bind", "rw"}})
	}
	if logPath != "" {
		env = append(env, "STDERR_LOG_PATH="+logPath)
	}

	return OciSpec{
		OCIVersion: "1.0.0",
		Process: OciProcess{
			Terminal: false,
			Args:     []string{"/binary"},
			Env:      env,
			Cwd:      "/",
			User:     m.config.User,
		},
		Root: OciRoot{Path: "rootfs", Readonly: true},
		Mounts: mounts,
		Linux: OciLinux{
			// No network namespace: containers use host networking.
			Namespaces: []OciNamespace{
				{Type: "pid"}, {Type: "mount"}, {Type: "ipc"}, {Type: "uts"},
			},
			Resources: &OciResources{
				Memory: &OciMemory{Limit: m.config.MemoryLimit},
				CPU:    &OciCpu{Quota: m.config.CPUQuota, Period: m.config.CPUPeriod},
			},
		},
	}
}

func (m *BundleManager) DeleteBundle(instanceID string) error {
	dir := m.BundlePath(instanceID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("oci bundle: remove %s: %w", dir, err)
	}
	return nil
}

func writeSpec(path string, spec OciSpec) error {
	encoded, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("oci bundle: marshal config: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("oci bundle: write %s: %w", path, err)
	}
	return nil
}
