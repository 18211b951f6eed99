package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowrelay/flowrelay/internal/config"
	"github.com/flowrelay/flowrelay/internal/server"
	"github.com/flowrelay/flowrelay/internal/session"
)

func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: flowrelay <command> [flags]")
		fmt.Fprintln(os.Stderr, "Commands: serve, chat, version")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(cmdServe())
	case "chat":
		os.Exit(cmdChat())
	case "version":
		fmt.Println("flowrelay", config.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Commands: serve, chat, version")
		os.Exit(1)
	}
}

func cmdServe() int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg := config.DefaultFromEnv()

	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging")
	fs.StringVar(&cfg.UpstreamURL, "upstream", cfg.UpstreamURL, "Upstream base URL")
	fs.StringVar(&cfg.DefaultFlowID, "flow", cfg.DefaultFlowID, "Default upstream flow ID")
	fs.Parse(os.Args[2:])

	if cfg.DefaultFlowID == "" && len(cfg.ModeFlows) == 0 {
		slog.Error("no upstream flow configured; set FLOWRELAY_DEFAULT_FLOW_ID or FLOWRELAY_MODE_FLOWS")
		return 1
	}

	srv := server.New(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("flowrelay starting", "host", cfg.Host, "port", cfg.Port, "upstream", cfg.UpstreamURL)
	if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

func cmdChat() int {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cfg := config.DefaultFromEnv()

	mode := fs.String("mode", "chat", "Conversation mode")
	model := fs.String("model", "", "Model ID to bind the conversation to")
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay base URL")
	fs.Parse(os.Args[2:])

	store := session.NewStore(cfg.StorePath, cfg.StoreQuota, 500*time.Millisecond)
	defer store.Close()

	convs := store.Load()
	conv := session.NewConversation(*mode)
	convs = append(convs, *conv)

	ctrl := session.NewController(session.NewAPI(cfg.RelayURL), session.Options{
		IdleTimeout:   cfg.IdleTimeout,
		FlushInterval: cfg.FlushInterval,
		OnUpdate: func() {
			convs[len(convs)-1] = *conv
			store.Save(convs)
		},
	})

	// Interrupt cancels the in-flight generation; a second interrupt while
	// idle exits the loop via stdin EOF behavior below.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if !ctrl.Cancel(conv.ID) {
				fmt.Fprintln(os.Stderr, "\nBye.")
				store.Close()
				os.Exit(0)
			}
		}
	}()

	fmt.Fprintln(os.Stderr, "flowrelay chat. Empty line or Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}

		gen, err := ctrl.Send(conv, line, *model)
		if err != nil {
			slog.Error("send failed", "error", err)
			continue
		}
		gen.Wait()

		printAssistantTurn(conv, gen)
	}
	return 0
}

func printAssistantTurn(conv *session.Conversation, gen *session.Generation) {
	var msg *session.Message
	for i := range conv.Messages {
		if conv.Messages[i].ID == gen.MessageID {
			msg = &conv.Messages[i]
		}
	}
	if msg == nil {
		return
	}

	for _, step := range msg.AgentSteps {
		switch step.Type {
		case "search":
			fmt.Fprintf(os.Stderr, "  [search] %s\n", step.Query)
		case "browse":
			fmt.Fprintf(os.Stderr, "  [browse] %s\n", step.URL)
		case "sources":
			for _, item := range step.Items {
				fmt.Fprintf(os.Stderr, "  [source] %s\n", item.URL)
			}
		default:
			fmt.Fprintf(os.Stderr, "  [tool] %s\n", step.Name)
		}
	}

	fmt.Println(msg.Content)
	if state := gen.State(); state != session.StateCompleted {
		fmt.Fprintf(os.Stderr, "(%s)\n", state)
	}
}
