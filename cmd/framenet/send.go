package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/renqiu/framenet"
)

func sendCmd() *cobra.Command {
	var (
		addr        string
		headerLen   int
		protocolLen int
		protocol    uint64
		payload     string
		wait        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Dial a node, send one frame and print replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := framenet.NewLogger("framenet-send")

			layout := framenet.HeaderLayout{HeaderLen: headerLen, ProtocolLen: protocolLen}
			router, err := framenet.NewRouter("send", layout)
			if err != nil {
				return err
			}
			router.SetLogger(logger)

			welcomed := make(chan string, 1)
			if err := router.Register(framenet.WelcomeProtocol, func(ctx *framenet.Context, payload []byte) {
				welcomed <- string(payload)
			}); err != nil {
				return err
			}
			if err := router.Register(protocol, func(ctx *framenet.Context, payload []byte) {
				fmt.Printf("reply on %d: %q\n", ctx.Protocol, payload)
			}); err != nil && protocol != framenet.WelcomeProtocol {
				return err
			}

			conn, err := framenet.Dial(addr, router, framenet.WithConnLogger(logger))
			if err != nil {
				return err
			}
			defer conn.Close()
			go conn.ReadLoop()

			select {
			case id := <-welcomed:
				fmt.Printf("welcome: identity %s\n", id)
			case <-time.After(wait):
				logger.Warn().Msg("no welcome frame received")
			}

			if err := conn.Write(protocol, []byte(payload)); err != nil {
				return err
			}
			time.Sleep(wait)
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:18341", "Node address (IP literal)")
	cmd.Flags().IntVar(&headerLen, "header-len", 8, "Total header width in bytes")
	cmd.Flags().IntVar(&protocolLen, "protocol-len", 4, "Protocol field width in bytes")
	cmd.Flags().Uint64VarP(&protocol, "protocol", "p", 1, "Protocol id to send under")
	cmd.Flags().StringVarP(&payload, "payload", "d", "ping", "Frame payload")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "How long to wait for replies")

	return cmd
}
