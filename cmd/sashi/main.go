// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// sashi is the operator CLI for the instance lifecycle daemon. It talks to
// the sagent socket; the socket is looked for next to the binary first, then
// in the standard data directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gosuri/uitable"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/kballard/go-shellquote"

	"github.com/sashimono/agent/internal/daemon"
	"github.com/sashimono/agent/internal/sockproto"
)

const defaultDataDir = "/etc/sashimono"

const usage = `usage: sashi [--socket PATH] COMMAND [ARGS]

commands:
  list                                        list instances
  create --owner KEY --contract-id ID --image IMG NAME
                                              create an instance
  start NAME                                  start an instance
  stop NAME                                   stop an instance
  destroy NAME                                destroy an instance
  inspect NAME                                print instance details as JSON
  attach NAME [COMMAND...]                    shell into the instance user
`

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs one CLI command and returns the process exit code.
func Main(args []string) int {
	var socketPath string
	flags := gnuflag.NewFlagSet("sashi", gnuflag.ContinueOnError)
	flags.StringVar(&socketPath, "socket", "", "path to the sagent socket")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flags.Parse(false, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if flags.NArg() == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	if socketPath == "" {
		socketPath = findSocket()
	}
	client := daemon.NewClient(socketPath)

	cmd, rest := flags.Arg(0), flags.Args()[1:]
	err := runCommand(client, cmd, rest)
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		fmt.Fprintln(os.Stderr, "sashi:", err)
		return 1
	}
	return 0
}

const errUsage = errors.ConstError("bad usage")

func runCommand(client *daemon.Client, cmd string, args []string) error {
	ctx := context.Background()
	switch cmd {
	case "list":
		if len(args) != 0 {
			return errUsage
		}
		return list(ctx, client)
	case "create":
		return create(ctx, client, args)
	case "start":
		name, err := oneName(args)
		if err != nil {
			return err
		}
		return client.Start(ctx, name)
	case "stop":
		name, err := oneName(args)
		if err != nil {
			return err
		}
		return client.Stop(ctx, name)
	case "destroy":
		name, err := oneName(args)
		if err != nil {
			return err
		}
		return client.Destroy(ctx, name)
	case "inspect":
		name, err := oneName(args)
		if err != nil {
			return err
		}
		return inspect(ctx, client, name)
	case "attach":
		if len(args) < 1 {
			return errUsage
		}
		return attach(ctx, client, args[0], args[1:])
	default:
		return errUsage
	}
}

func oneName(args []string) (string, error) {
	if len(args) != 1 {
		return "", errUsage
	}
	return args[0], nil
}

// findSocket prefers a socket beside the binary (development installs) over
// the standard data directory.
func findSocket() string {
	if exe, err := os.Executable(); err == nil {
		local := filepath.Join(filepath.Dir(exe), "sa.sock")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	return filepath.Join(defaultDataDir, "sa.sock")
}

func list(ctx context.Context, client *daemon.Client) error {
	entries, err := client.List(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	table := uitable.New()
	table.MaxColWidth = 64
	table.AddRow("NAME", "USER", "STATUS", "PEER", "USER PORT", "TENANT", "MOMENTS")
	for _, e := range entries {
		tenant := e.TenantAddress
		if tenant == "" {
			tenant = "-"
		}
		table.AddRow(e.ContainerName, e.Username, e.Status, e.PeerPort, e.UserPort, tenant, e.LifeMoments)
	}
	fmt.Println(table)
	return nil
}

func create(ctx context.Context, client *daemon.Client, args []string) error {
	var owner, contractID, image string
	flags := gnuflag.NewFlagSet("create", gnuflag.ContinueOnError)
	flags.StringVar(&owner, "owner", "", "instance owner public key (hex)")
	flags.StringVar(&contractID, "contract-id", "", "contract id (uuid)")
	flags.StringVar(&image, "image", "", "instance image")
	if err := flags.Parse(false, args); err != nil {
		return errUsage
	}
	if flags.NArg() != 1 || owner == "" || contractID == "" || image == "" {
		return errUsage
	}

	info, err := client.Create(ctx, sockproto.CreateRequest{
		ContainerName: flags.Arg(0),
		OwnerPubKey:   owner,
		ContractID:    contractID,
		Image:         image,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return printJSON(info)
}

func inspect(ctx context.Context, client *daemon.Client, name string) error {
	info, err := client.Inspect(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	return printJSON(info)
}

// attach drops into a login shell as the instance user, or runs the given
// command there.
func attach(ctx context.Context, client *daemon.Client, name string, command []string) error {
	info, err := client.Inspect(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	argv := []string{"sudo", "-u", info.Username, "-i"}
	if len(command) > 0 {
		argv = append(argv, "--", "bash", "-c", shellquote.Join(command...))
	}
	run := exec.CommandContext(ctx, argv[0], argv[1:]...)
	run.Stdin = os.Stdin
	run.Stdout = os.Stdout
	run.Stderr = os.Stderr
	return errors.Trace(run.Run())
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Println(string(out))
	return nil
}
