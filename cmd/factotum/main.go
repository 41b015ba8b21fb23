package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"factotum/agent"
	"factotum/agent/acp"
	"factotum/agent/terminal"
	"factotum/config"
	"factotum/llm"
	"factotum/logging"
	"factotum/session"
	"factotum/tools"
)

func main() {
	modeFlag := flag.String("m", "", "Work mode to start in (defaults to the session's, then 'build')")
	sessionFlag := flag.String("s", "", "Session name to create or use")
	toolsetFlag := flag.String("t", "", "Toolset override (defaults to the work mode's)")
	resumeFlag := flag.String("r", "", "Resume a session by name")
	verbosityFlag := flag.String("tool-verbosity", "none", "Tool verbosity level: 'none', 'info', or 'all'")
	acpFlag := flag.Bool("acp", false, "Serve the Agent Client Protocol over stdio")
	traceFlag := flag.Bool("trace", false, "Write an ACP trace file for troubleshooting")
	logFlag := flag.String("log", "", "Write logs to this directory ('debug', 'info', 'warn' or 'error' via -log-level)")
	logLevelFlag := flag.String("log-level", "info", "Log level when -log is set")
	flag.Parse()

	if *logFlag != "" {
		if err := logging.EnableFileLogging(*logFlag, *logLevelFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error enabling file logging: %+v\n", err)
			os.Exit(1)
		}
		defer logging.Close()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	var sess *session.Session
	sessionName := *sessionFlag
	if *resumeFlag != "" {
		sessionName = *resumeFlag
		sess, err = session.Load(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session %q: %+v\n", sessionName, err)
			os.Exit(1)
		}
		if !*acpFlag {
			fmt.Printf("Resuming session: %s\n", sessionName)
		}
	} else {
		if sessionName == "" {
			sessionName = defaultSessionName()
		}
		sess, err = session.New(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating session %q: %+v\n", sessionName, err)
			os.Exit(1)
		}
		if !*acpFlag {
			fmt.Printf("Starting new session: %s\n", sessionName)
		}
	}

	// Explicit flags win over whatever the resumed session carried.
	if *modeFlag != "" {
		sess.WorkMode = *modeFlag
	}
	if *toolsetFlag != "" {
		sess.Toolset = *toolsetFlag
	}
	if _, err := cfg.GetWorkMode(sess.WorkMode); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
	sess.SetLimit(cfg.Limits.History)

	ctx := context.Background()
	client, err := llm.New(ctx, cfg.Provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing %s client: %+v\n", cfg.Provider.Name, err)
		os.Exit(1)
	}

	registry := tools.NewRegistry(cfg)
	defer registry.Close()

	switch *verbosityFlag {
	case "none", "info", "all":
	default:
		fmt.Fprintf(os.Stderr, "Invalid tool verbosity %q. Must be 'none', 'info', or 'all'.\n", *verbosityFlag)
		os.Exit(1)
	}

	if *acpFlag {
		srv := acp.New(bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout), *traceFlag)
		srv.Bind(agent.New(cfg, sess, client, registry, srv))
		if err := srv.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "ACP server failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	term := terminal.New(terminal.Verbosity(*verbosityFlag))
	term.Bind(agent.New(cfg, sess, client, registry, term))
	fmt.Println("Factotum is ready. Type your prompt, /quit to exit.")
	if err := term.Run(ctx, strings.Join(flag.Args(), " ")); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "factotum"
	}
	return fmt.Sprintf("%s_%s", filepath.Base(wd), time.Now().Format("2006-01-02_15-04-05"))
}
