package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	c := &cobra.Command{
		Use:     "send",
		Short:   "Send lines from stdin to a running server",
		Example: "echo 'edge^channel^id=1;lastdata=now();' | dbmsgsrv send --addr localhost:7985",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := runSend(conn, os.Stdin, timeout)
			fmt.Fprintf(cmd.ErrOrStderr(), "%d lines acknowledged\n", n)
			return err
		},
	}
	c.Flags().StringVarP(&addr, "addr", "a", "localhost:7985", "server address")
	c.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "dial and acknowledgment timeout")
	return c
}

// runSend writes each input line and waits for its acknowledgment.
func runSend(conn net.Conn, in io.Reader, timeout time.Duration) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	acks := bufio.NewReader(conn)
	sent := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(timeout))
		}
		if _, err := io.WriteString(conn, line+"\n"); err != nil {
			return sent, err
		}
		ack, err := acks.ReadString('\n')
		if err != nil {
			return sent, fmt.Errorf("waiting for acknowledgment: %w", err)
		}
		if ack != "OK\n" {
			return sent, fmt.Errorf("unexpected acknowledgment %q", ack)
		}
		sent++
	}
	return sent, scanner.Err()
}
