package tests

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

type AnvilConfig struct {
	PortNumber string `json:"portNumber"`
	ChainId    string `json:"chainId"`
	// BlockTime empty means automine
	BlockTime string `json:"blockTime"`
	ForkUrl   string `json:"forkUrl"`
}

type Anvil struct {
	cmd    *exec.Cmd
	RpcUrl string
}

// AnvilAvailable reports whether the anvil binary is on PATH.
func AnvilAvailable() bool {
	_, err := exec.LookPath("anvil")
	return err == nil
}

// RequireAnvil skips the test in -short mode or when anvil is missing.
func RequireAnvil(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping anvil test in short mode")
	}
	if !AnvilAvailable() {
		t.Skip("anvil not found on PATH")
	}
}

func StartAnvil(ctx context.Context, cfg *AnvilConfig) (*Anvil, error) {
	args := []string{
		"--chain-id", cfg.ChainId,
		"--port", cfg.PortNumber,
	}
	if cfg.BlockTime != "" {
		args = append(args, "--block-time", cfg.BlockTime)
	}
	if cfg.ForkUrl != "" {
		args = append(args, "--fork-url", cfg.ForkUrl)
	}
	cmd := exec.CommandContext(ctx, "anvil", args...)
	cmd.Stderr = os.Stderr
	if os.Getenv("JOIN_ANVIL_OUTPUT") == "true" {
		cmd.Stdout = os.Stdout
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start anvil: %w", err)
	}

	a := &Anvil{cmd: cmd, RpcUrl: fmt.Sprintf("http://127.0.0.1:%s", cfg.PortNumber)}
	if err := a.waitReady(ctx); err != nil {
		_ = a.Stop()
		return nil, err
	}
	return a, nil
}

// StartLocalAnvil runs an automining devnet on a free port with chain id 31337.
func StartLocalAnvil(ctx context.Context) (*Anvil, error) {
	port, err := FreePort()
	if err != nil {
		return nil, err
	}
	return StartAnvil(ctx, &AnvilConfig{
		PortNumber: strconv.Itoa(port),
		ChainId:    "31337",
	})
}

func (a *Anvil) waitReady(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, a.RpcUrl)
	if err != nil {
		return fmt.Errorf("failed to create anvil client: %w", err)
	}
	defer client.Close()

	for i := 1; i < 20; i++ {
		if _, err := client.ChainID(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to start anvil: %w", ctx.Err())
		case <-time.After(250 * time.Millisecond * time.Duration(i)):
		}
	}
	return fmt.Errorf("anvil did not become ready at %s", a.RpcUrl)
}

func (a *Anvil) Stop() error {
	if a.cmd == nil || a.cmd.Process == nil {
		return fmt.Errorf("anvil command is not running")
	}
	if err := a.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill anvil process: %w", err)
	}
	_ = a.cmd.Wait()
	return nil
}

func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
