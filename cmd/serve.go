package main

import (
	"github.com/spf13/cobra"
	"github.com/xhad/doctorbot/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the retrieval and triage API",
	Long:  `Starts the HTTP API (/health, /retrieve, /triage) and the /ws websocket.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := checkConfig("llm", "embedding", "index", "retrieval", "judge", "server"); err != nil {
		return err
	}
	ctx := cmd.Context()

	svc, closeIndex, err := buildService(ctx)
	if err != nil {
		return err
	}
	defer closeIndex()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	logger.Info().Int("chunks", svc.ChunkCount()).Str("llm", cfg.LLM.Provider).Msg("pipeline ready")
	return server.New(svc, server.Config{Addr: addr, Logger: logger}).ListenAndServe(ctx)
}
