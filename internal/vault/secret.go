package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"strings"
)

// MasterSecretEnv is the environment variable consulted for an
// operator-supplied master secret before falling back to the machine
// fingerprint.
const MasterSecretEnv = "QVAULT_MASTER_SECRET"

const fingerprintLength = 32

// resolveMasterSecret returns the explicit master secret when one is
// configured, otherwise a fingerprint derived from stable machine
// identifiers. The fallback keeps the vault usable without configuration but
// ties it to the originating machine; machineBound reports which path was
// taken.
func resolveMasterSecret(configured string) (secret string, machineBound bool) {
	if s := strings.TrimSpace(configured); s != "" {
		return s, false
	}
	if s := strings.TrimSpace(os.Getenv(MasterSecretEnv)); s != "" {
		return s, false
	}
	return machineFingerprint(), true
}

// machineFingerprint hashes hostname, machine id, OS and architecture into a
// stable per-machine secret.
func machineFingerprint() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	parts := []string{hostname, machineID(), runtime.GOOS, runtime.GOARCH}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// machineID returns a persistent machine identifier: the systemd machine id
// where available, otherwise the first hardware address.
func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}

	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if len(iface.HardwareAddr) > 0 {
				return iface.HardwareAddr.String()
			}
		}
	}

	return "unknown"
}
