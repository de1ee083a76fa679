package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
	"github.com/danmuck/kernelmesh/internal/protocol/wire"
	"github.com/spf13/cobra"
)

const (
	defaultUnixSocket = "/tmp/kernelmesh.sock"
	// submitterPrincipal is the parent id main kernels report back to.
	submitterPrincipal uint64 = 1
)

var errFailed = errors.New("main kernel failed")

var submitCmd = &cobra.Command{
	Use:   "submit --app <name|id> [-- binary args...]",
	Short: "Start an application on the local node and wait for its main kernel",
	RunE:  runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	f := submitCmd.Flags()
	f.String("socket", "", "node unix socket (defaults to unix_socket of --config)")
	f.String("app", "", "application name from the topology, or a numeric application id")
	f.StringSlice("env", nil, "extra KEY=VALUE environment of the application")
	f.Bool("wait", false, "hold the main kernel until the application exits")
	f.Uint64("value", 0, "u64 body of the main kernel")
	f.Duration("timeout", time.Minute, "how long to wait for the result")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	socketPath, _ := f.GetString("socket")
	if socketPath == "" {
		socketPath = cfg.UnixSocket
	}
	if socketPath == "" {
		socketPath = defaultUnixSocket
	}

	name, _ := f.GetString("app")
	app, err := resolveApplication(cfg.Topology.Application, name)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		app.Args = args
	}
	if f.Changed("env") {
		env, _ := f.GetStringSlice("env")
		app.Env = append(app.Env, env...)
	}
	if f.Changed("wait") {
		app.WaitForCompletion, _ = f.GetBool("wait")
	}
	if err := app.Validate(); err != nil {
		return err
	}

	var body []byte
	if f.Changed("value") {
		v, _ := f.GetUint64("value")
		e := kernel.NewEncoder(nil)
		e.U64(v)
		body = e.Bytes()
	}
	timeout, _ := f.GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	result, err := submit(ctx, socketPath, app, body)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "app=%d id=%d result=%s\n", app.ID, result.ID(), result.Result())
	if result.Result() != kernel.Success {
		return fmt.Errorf("%w: %s", errFailed, result.Result())
	}
	return nil
}

// resolveApplication accepts a topology name or a numeric id.
func resolveApplication(lookup func(string) (kernel.Application, bool), name string) (kernel.Application, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return kernel.Application{}, errors.New("--app is required")
	}
	if app, ok := lookup(name); ok {
		return app, nil
	}
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil || id == 0 {
		return kernel.Application{}, fmt.Errorf("unknown application %q", name)
	}
	return kernel.Application{ID: id}, nil
}

// mainKernel builds the kernel that starts app on the node.
func mainKernel(app kernel.Application, id uint64, body []byte) *kernel.Foreign {
	target := app
	fk := &kernel.Foreign{Payload: body, Target: &target}
	fk.SetTypeID(kernel.MainTypeID)
	fk.SetApp(app.ID)
	fk.SetID(id)
	fk.SetParentRef(kernel.ByID(submitterPrincipal))
	return fk
}

func submit(ctx context.Context, socketPath string, app kernel.Application, body []byte) (*kernel.Foreign, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", socketPath, err)
	}
	defer nc.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	id := uint64(time.Now().UnixNano())
	payload, err := wire.Append(nil, mainKernel(app, id, body), nil, wire.Options{PrependApplication: true})
	if err != nil {
		return nil, err
	}
	limits := frame.DefaultLimits()
	if err := frame.WritePacket(nc, payload, limits); err != nil {
		return nil, err
	}
	return awaitResult(nc, id, limits)
}

// awaitResult reads packets until the main kernel id comes back with a result.
func awaitResult(r io.Reader, id uint64, limits frame.Limits) (*kernel.Foreign, error) {
	for {
		packet, err := frame.ReadPacket(r, limits)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("node closed the connection")
			}
			return nil, err
		}
		_, d, err := wire.ReadHeader(packet)
		if err != nil {
			return nil, err
		}
		fk, err := wire.ReadForeign(d)
		if err != nil {
			return nil, err
		}
		if fk.ID() == id && fk.MovesDownstream() {
			return fk, nil
		}
	}
}
