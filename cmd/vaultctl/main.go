// vaultctl is a small operator tool for working with a vault file directly,
// without going through the API server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"qvault/internal/logging"
	"qvault/internal/provider"
	"qvault/internal/vault"
)

const usage = `Usage: vaultctl [flags] <command> [args]

Commands:
  set <service> <api-key>   store or rotate a credential
  get <service>             print the plaintext key (counts as a read)
  remove <service>          delete a credential
  status                    per-service status with masked previews
  export                    maskless per-service view
  audit                     security audit report
  rotations                 rotation audit trail
  test <service>            test the configured key against the provider

Flags:
`

func main() {
	vaultPath := flag.String("vault", "data/credentials.json", "path to vault file")
	force := flag.Bool("force", false, "mark a set as a forced rotation")
	timeout := flag.Duration("timeout", 10*time.Second, "connection test timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	logger := logging.NewNop()
	v, err := vault.Open(vault.Options{
		Path:   *vaultPath,
		Logger: logger,
	})
	if err != nil {
		fatal("failed to open vault: %v", err)
	}
	defer v.Close()

	switch cmd := flag.Arg(0); cmd {
	case "set":
		if flag.NArg() != 3 {
			fatal("usage: vaultctl set <service> <api-key>")
		}
		if err := v.UpdateCredential(flag.Arg(1), flag.Arg(2), *force); err != nil {
			fatal("set failed: %v", err)
		}
		fmt.Printf("credential for %s updated\n", flag.Arg(1))

	case "get":
		if flag.NArg() != 2 {
			fatal("usage: vaultctl get <service>")
		}
		key, ok := v.GetAPIKey(flag.Arg(1))
		if !ok {
			fatal("no credential configured for %s", flag.Arg(1))
		}
		fmt.Println(key)

	case "remove":
		if flag.NArg() != 2 {
			fatal("usage: vaultctl remove <service>")
		}
		if err := v.RemoveCredential(flag.Arg(1)); err != nil {
			fatal("remove failed: %v", err)
		}
		fmt.Printf("credential for %s removed\n", flag.Arg(1))

	case "status":
		printJSON(v.AllServicesStatus())

	case "export":
		printJSON(v.ExportConfig())

	case "audit":
		printJSON(v.SecurityAuditReport())

	case "rotations":
		events, err := v.RotationEvents()
		if err != nil {
			fatal("failed to read rotation trail: %v", err)
		}
		printJSON(events)

	case "test":
		if flag.NArg() != 2 {
			fatal("usage: vaultctl test <service>")
		}
		v.SetTester(provider.NewRegistry(*timeout, logger))
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		result := v.TestConnection(ctx, flag.Arg(1))
		printJSON(result)
		if !result.Success {
			os.Exit(1)
		}

	default:
		fatal("unknown command: %s", cmd)
	}
}

func printJSON(data interface{}) {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fatal("failed to encode output: %v", err)
	}
	fmt.Println(string(out))
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
