package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/progrium/dtalk-go/internal/env"
	"github.com/progrium/dtalk-go/interop"
	"github.com/progrium/dtalk-go/rpc"
	"github.com/progrium/dtalk-go/talk"
	"github.com/progrium/dtalk-go/transport"
)

var checkCmd = &cobra.Command{
	Use:   "check [command]",
	Short: "check a peer serving the interop service",
	Long: `Check a peer serving the interop service.

With a command, it is run through sh and spoken to over its stdin and stdout,
for example:
	dtalk check "dtalk serve -t stdio"
Without one, the configured transport and address are dialed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conf, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		conn, err := connectCheck(cmd, args, conf, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		out := cmd.OutOrStdout()
		checks := []struct {
			name string
			run  func(context.Context, *talk.Conn) (string, error)
		}{
			{"Echo", checkEcho},
			{"Increment", checkIncrement},
			{"Error", checkError},
		}
		var failed error
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			res, err := c.run(ctx, conn)
			cancel()
			if err != nil {
				failed = multierr.Append(failed, fmt.Errorf("%s: %w", c.name, err))
				fmt.Fprintf(out, "%s: FAIL %s\n", c.name, err)
				continue
			}
			fmt.Fprintf(out, "%s: %s\n", c.name, res)
		}
		return failed
	},
}

func connectCheck(cmd *cobra.Command, args []string, conf *env.Config, log *zap.Logger) (*talk.Conn, error) {
	if len(args) == 0 {
		return dial(cmd.Context(), conf, log)
	}

	path, err := exec.LookPath("sh")
	if err != nil {
		return nil, err
	}
	sub := exec.CommandContext(cmd.Context(), path, "-c", args[0])
	sub.Stderr = os.Stderr
	wc, err := sub.StdinPipe()
	if err != nil {
		return nil, err
	}
	rc, err := sub.StdoutPipe()
	if err != nil {
		return nil, err
	}
	rwc, err := transport.DialIO(wc, rc)
	if err != nil {
		return nil, err
	}
	if err := sub.Start(); err != nil {
		return nil, err
	}
	return start(cmd.Context(), talk.New(rwc, connOptions(conf, log.Named("conn"))...))
}

// checkEcho sends five values and expects each back unchanged.
func checkEcho(ctx context.Context, conn *talk.Conn) (string, error) {
	for i := 0; i < 5; i++ {
		in := map[string]interface{}{"round": float64(i)}
		var out map[string]interface{}
		if err := conn.Call(ctx, "echo", in, &out); err != nil {
			return "", err
		}
		if out["round"] != in["round"] {
			return "", fmt.Errorf("round %d came back as %v", i, out)
		}
	}
	return "5 rounds", nil
}

// checkIncrement makes concurrent requests, checking each response lands on
// its own request.
func checkIncrement(ctx context.Context, conn *talk.Conn) (string, error) {
	const n = 50
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		err error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := rand.Float64() * 100
			var c interop.Counter
			cerr := conn.Call(ctx, "increment", interop.Counter{Number: in}, &c)
			if cerr == nil && c.Number != in+1 {
				cerr = fmt.Errorf("increment of %v returned %v", in, c.Number)
			}
			mu.Lock()
			err = multierr.Append(err, cerr)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d concurrent", n), nil
}

// checkError expects the remote failure description to survive the trip.
func checkError(ctx context.Context, conn *talk.Conn) (string, error) {
	err := conn.Call(ctx, "error", "boom", nil)
	var remote rpc.RemoteError
	if err == nil {
		return "", errors.New("expected remote error, got a response")
	}
	if !errors.As(err, &remote) {
		return "", fmt.Errorf("expected remote error, got %w", err)
	}
	if remote.Description() != "boom" {
		return "", fmt.Errorf("unexpected description %q", remote.Description())
	}
	return remote.Description(), nil
}
