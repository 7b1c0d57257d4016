package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"vibechat/internal/chatapi"
	"vibechat/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	envFile string
	apiURL  string
	wsURL   string
	token   string
}

// load reads the dotenv file and the environment, then applies flag
// overrides.
func (g *globalFlags) load() (*config.Client, error) {
	if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", g.envFile, err)
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if g.apiURL != "" {
		cfg.APIURL = g.apiURL
	}
	if g.wsURL != "" {
		cfg.WSURL = g.wsURL
	}
	if g.token != "" {
		cfg.Token = g.token
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "chatcli",
		Short:        "Terminal client for vibechat conversations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.PersistentFlags().StringVar(&g.apiURL, "api-url", "", "REST base URL (overrides CHAT_API_URL)")
	root.PersistentFlags().StringVar(&g.wsURL, "ws-url", "", "live channel URL (overrides CHAT_WS_URL)")
	root.PersistentFlags().StringVar(&g.token, "token", "", "bearer token (overrides CHAT_TOKEN)")

	root.AddCommand(newLoginCmd(g), newStartCmd(g), newOpenCmd(g))
	return root
}

func newLoginCmd(g *globalFlags) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Obtain a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("CHAT_PASSWORD")
			}
			resp, err := chatapi.New(cfg.APIURL, "").Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export CHAT_TOKEN=%s\n", resp.AccessToken)
			if resp.User != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "export CHAT_SELF_ID=%s\n", resp.User.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (defaults to CHAT_PASSWORD)")
	return cmd
}

func newStartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <vibeID>",
		Short: "Start or resume the conversation about a vibe and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			id, err := chatapi.New(cfg.APIURL, cfg.Token).StartConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newOpenCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversationID>",
		Short: "Open a conversation and chat interactively",
		Long: `Open a conversation and chat interactively.

Every line typed is sent as a message. Commands:
  /retry <tempId>        resend a failed message
  /offer <json> <text>   send a structured offer
  /older                 load the previous page of history
  /quit                  leave`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
