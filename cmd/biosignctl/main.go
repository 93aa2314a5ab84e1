package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"biosign/go-backend/internal/verify"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var (
		baseURL = envOr("BIOSIGN_URL", "http://127.0.0.1:8787")
		token   = envOr("BIOSIGN_RPC_TOKEN", "")
		format  = envOr("BIOSIGN_OUT", "text")
		timeout = 2 * time.Minute
	)

	root := &cobra.Command{
		Use:           "biosignctl",
		Short:         "Operator CLI for the biosign daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "daemon base URL (env BIOSIGN_URL)")
	root.PersistentFlags().StringVar(&token, "token", token, "RPC token (env BIOSIGN_RPC_TOKEN)")
	root.PersistentFlags().StringVar(&format, "out", format, "output format: json|text")

	var idempotencyKey string
	callCmd := &cobra.Command{
		Use:   "call METHOD [PARAMS_JSON]",
		Short: "Call a daemon JSON-RPC method",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := &client{BaseURL: baseURL, Token: token, OutFormat: format, HTTP: &http.Client{Timeout: timeout}}
			params := ""
			if len(args) == 2 {
				params = args[1]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			result, err := cl.call(ctx, args[0], params, idempotencyKey)
			if err != nil {
				return err
			}
			cl.print(out, result)
			return nil
		},
	}
	callCmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "replay-safe key for mutating methods")

	var publicKey, signature, payload, payloadFile string
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signature offline against a public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if publicKey == "" || signature == "" {
				return fmt.Errorf("--public-key and --signature are required")
			}
			data := []byte(payload)
			if payloadFile != "" {
				raw, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				data = raw
			}
			keyID, err := verify.Signature(publicKey, signature, data)
			if err != nil {
				return err
			}
			if strings.EqualFold(format, "json") {
				fmt.Fprintf(out, "{\"valid\":true,\"keyId\":%q}\n", keyID)
				return nil
			}
			fmt.Fprintf(out, "valid key_id=%s\n", keyID)
			return nil
		},
	}
	verifyCmd.Flags().StringVar(&publicKey, "public-key", "", "base64 X.509 public key returned by keys.create")
	verifyCmd.Flags().StringVar(&signature, "signature", "", "base64 signature")
	verifyCmd.Flags().StringVar(&payload, "payload", "", "signed payload")
	verifyCmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the signed payload from a file")

	root.AddCommand(callCmd, verifyCmd)
	return root
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
