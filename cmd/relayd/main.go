// ABOUTME: Entry point for the relayd message relay daemon
// ABOUTME: Routes messages into conversations and runs the background translation pipeline

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/gatherhall/relay/internal/chat"
	"github.com/gatherhall/relay/internal/config"
	"github.com/gatherhall/relay/internal/router"
	"github.com/gatherhall/relay/internal/store"
	"github.com/gatherhall/relay/internal/taskd"
	"github.com/gatherhall/relay/internal/translate"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                 _
  _ __ ___| | __ _ _   _  __| |
 | '__/ _ \ |/ _' | | | |/ _' |
 | | |  __/ | (_| | |_| | (_| |
 |_|  \___|_|\__,_|\__, |\__,_|
                   |___/
`

// getConfigPath returns the path to the relayd config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/relayd.yaml > ~/.config/relay/relayd.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relayd.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "relayd.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/relay > ~/.local/share/relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "relay")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relayd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the relay daemon")
		fmt.Println("  init                           Create a new config file interactively")
		fmt.Println("  send --author NAME ...         Deliver a message and wait for translations")
		fmt.Println("  history --room NAME [--limit N] Print a conversation's messages")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "send":
		err = runSend(ctx)
	case "history":
		err = runHistory(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stack is the assembled relay: storage, routing, background workers, and
// the chat facade on top.
type stack struct {
	store    *store.SQLiteStore
	manager  *taskd.Manager
	pipeline *translate.Pipeline
	janitor  *translate.Janitor
	service  *chat.Service
}

// buildStack wires the full relay from configuration. Start/Stop of the
// task manager and janitor are left to the caller.
func buildStack(cfg *config.Config, logger *slog.Logger) (*stack, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var translator translate.Translator = &echoTranslator{}
	if cfg.Translation.RatePerSecond > 0 {
		translator = translate.RateLimited(translator, cfg.Translation.RatePerSecond, cfg.Translation.Burst)
	}

	var pipeline *translate.Pipeline
	manager := taskd.New(taskd.Config{
		Workers:        cfg.Workers.Count,
		QueueSize:      cfg.Workers.QueueSize,
		MaxAttempts:    cfg.Workers.MaxAttempts,
		BaseDelay:      cfg.Workers.BaseDelay,
		MaxDelay:       cfg.Workers.MaxDelay,
		Jitter:         cfg.Workers.Jitter,
		AttemptTimeout: cfg.Workers.AttemptTimeout,
		OnAbandoned: func(job taskd.Job, err error) {
			pipeline.HandleAbandoned(job, err)
		},
	}, logger)

	activity := &activityRecorder{logger: logger}
	notifier := &roomAnnouncer{logger: logger}
	pipeline = translate.New(s, manager, translator, activity, notifier, cfg.Translation.Languages, logger)
	pipeline.Register(manager)

	var janitor *translate.Janitor
	if cfg.Retention.TranslationAge > 0 {
		janitor = translate.NewJanitor(s, cfg.Retention.TranslationAge, logger)
	}

	r := router.New(s, logger)
	svc := chat.New(r, s, pipeline, manager, logger)

	return &stack{
		store:    s,
		manager:  manager,
		pipeline: pipeline,
		janitor:  janitor,
		service:  svc,
	}, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Languages: %s\n", strings.Join(cfg.Translation.Languages, ", "))
	fmt.Println()

	logger.Info("starting relayd",
		"config", configPath,
		"database", cfg.Database.Path,
		"languages", cfg.Translation.Languages,
	)

	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.store.Close()

	st.manager.Start()
	if st.janitor != nil {
		if err := st.janitor.Start(); err != nil {
			return fmt.Errorf("starting retention janitor: %w", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// Ordered shutdown: janitor first, then drain the worker pool, then
	// release the store
	if st.janitor != nil {
		st.janitor.Stop()
	}
	st.manager.Stop()

	return nil
}

func runSend(ctx context.Context) error {
	var author, room, peer, group, content string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--author" || arg == "-a":
			if i+1 >= len(args) {
				return fmt.Errorf("--author requires a value")
			}
			author = args[i+1]
			i++
		case arg == "--room":
			if i+1 >= len(args) {
				return fmt.Errorf("--room requires a value")
			}
			room = args[i+1]
			i++
		case arg == "--peer":
			if i+1 >= len(args) {
				return fmt.Errorf("--peer requires a value")
			}
			peer = args[i+1]
			i++
		case arg == "--group":
			if i+1 >= len(args) {
				return fmt.Errorf("--group requires a value")
			}
			group = args[i+1]
			i++
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			if content != "" {
				return fmt.Errorf("unexpected argument: %s", arg)
			}
			content = arg
		}
	}

	if author == "" {
		return fmt.Errorf("--author flag is required")
	}
	if content == "" {
		return fmt.Errorf("message content is required")
	}

	spec, err := targetSpec(room, peer, group)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.store.Close()

	st.manager.Start()
	defer st.manager.Stop()

	resp, err := st.service.Send(ctx, &chat.SendRequest{
		Author:  author,
		Content: content,
		Target:  spec,
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Delivered: %s (conversation %s, seq %d)\n",
		resp.Message.ID, resp.Conversation.ID, resp.Message.Seq)

	if len(cfg.Translation.Languages) > 0 {
		if err := waitForTranslations(ctx, st.service, resp.Message.ID, len(cfg.Translation.Languages)); err != nil {
			return err
		}
		records, err := st.service.Translations(ctx, resp.Message.ID)
		if err != nil {
			return fmt.Errorf("listing translations: %w", err)
		}
		for _, rec := range records {
			switch rec.Status {
			case store.TranslationDone:
				green.Printf("  ✓ %s: ", rec.Language)
				fmt.Println(rec.Text)
			default:
				color.New(color.FgRed).Printf("  ✗ %s: %s after %d attempt(s)\n",
					rec.Language, rec.Status, rec.AttemptCount)
			}
		}
	}

	return nil
}

// waitForTranslations polls until every translation record for the message
// is terminal, or the deadline passes.
func waitForTranslations(ctx context.Context, svc *chat.Service, messageID string, want int) error {
	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		records, err := svc.Translations(ctx, messageID)
		if err != nil {
			return fmt.Errorf("polling translations: %w", err)
		}
		terminal := 0
		for _, rec := range records {
			if rec.Status != store.TranslationPending {
				terminal++
			}
		}
		if len(records) >= want && terminal == len(records) {
			return nil
		}

		select {
		case <-tick.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for translations")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runHistory(ctx context.Context) error {
	var room, peer, group string
	limit := 50
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--room":
			if i+1 >= len(args) {
				return fmt.Errorf("--room requires a value")
			}
			room = args[i+1]
			i++
		case arg == "--peer":
			if i+1 >= len(args) {
				return fmt.Errorf("--peer requires a value (user:user)")
			}
			peer = args[i+1]
			i++
		case arg == "--group":
			if i+1 >= len(args) {
				return fmt.Errorf("--group requires a value")
			}
			group = args[i+1]
			i++
		case arg == "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --limit: %w", err)
			}
			limit = n
			i++
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	kind, target, err := lookupTarget(room, peer, group)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	conv, err := s.GetConversationByTarget(ctx, kind, target)
	if err != nil {
		return fmt.Errorf("looking up conversation: %w", err)
	}

	messages, _, err := s.ListMessagesSince(ctx, conv.ID, store.Cursor{}, limit)
	if err != nil {
		return fmt.Errorf("listing messages: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	for _, msg := range messages {
		gray.Printf("%s ", msg.CreatedAt.Format("2006-01-02 15:04:05"))
		color.New(color.FgCyan).Printf("%s", msg.AuthorID)
		fmt.Printf(": %s\n", msg.Content)
	}

	return nil
}

// targetSpec builds the routing target for send from the mutually exclusive
// target flags.
func targetSpec(room, peer, group string) (router.TargetSpec, error) {
	set := 0
	for _, v := range []string{room, peer, group} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return router.TargetSpec{}, fmt.Errorf("exactly one of --room, --peer, --group is required")
	}

	switch {
	case room != "":
		return router.TargetSpec{Kind: store.KindRoom, RoomID: room}, nil
	case peer != "":
		return router.TargetSpec{Kind: store.KindPrivate, PeerID: peer}, nil
	default:
		return router.TargetSpec{Kind: store.KindGroup, GroupID: group}, nil
	}
}

// lookupTarget resolves the history flags to a stored (kind, target) pair.
// The --peer form takes both participants as "user:user" since a private
// conversation is keyed by its canonical pair.
func lookupTarget(room, peer, group string) (kind, target string, err error) {
	set := 0
	for _, v := range []string{room, peer, group} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return "", "", fmt.Errorf("exactly one of --room, --peer, --group is required")
	}

	switch {
	case room != "":
		return store.KindRoom, room, nil
	case peer != "":
		parts := strings.SplitN(peer, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("--peer requires both participants as user:user")
		}
		return store.KindPrivate, router.PairKey(parts[0], parts[1]), nil
	default:
		return store.KindGroup, group, nil
	}
}

// echoTranslator is the built-in stand-in translator: it tags the text with
// the target language. Real deployments substitute a vendor-backed
// implementation of translate.Translator.
type echoTranslator struct{}

func (e *echoTranslator) Translate(_ context.Context, text, targetLanguage string) (string, error) {
	return fmt.Sprintf("[%s] %s", targetLanguage, text), nil
}

// activityRecorder writes user activity to the structured log.
type activityRecorder struct {
	logger *slog.Logger
}

func (a *activityRecorder) LogActivity(_ context.Context, userID, activity string, details map[string]string) error {
	attrs := []any{"user_id", userID, "activity", activity}
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	a.logger.Info("user activity", attrs...)
	return nil
}

// roomAnnouncer writes room notifications to the structured log.
type roomAnnouncer struct {
	logger *slog.Logger
}

func (r *roomAnnouncer) NotifyRoom(_ context.Context, roomID, message string, exclude []string) error {
	r.logger.Info("room notification",
		"room", roomID,
		"message", message,
		"excluded", exclude)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("relayd configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "relay.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Translation
	fmt.Println("\n--- Translation Configuration ---")
	languages := prompt(reader, "Target languages (comma-separated codes)", "FR, DE")
	var langList []string
	for _, lang := range strings.Split(languages, ",") {
		if lang = strings.TrimSpace(lang); lang != "" {
			langList = append(langList, lang)
		}
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# relayd configuration\n")
	cfg.WriteString("# Generated by relayd init\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("workers:\n")
	cfg.WriteString("  count: 4\n")
	cfg.WriteString("  max_attempts: 3\n")
	cfg.WriteString("  base_delay: \"500ms\"\n")
	cfg.WriteString("  max_delay: \"15s\"\n")
	cfg.WriteString("  jitter: 0.2\n")
	cfg.WriteString("\n")

	cfg.WriteString("translation:\n")
	cfg.WriteString(fmt.Sprintf("  languages: [%s]\n", strings.Join(langList, ", ")))
	cfg.WriteString("\n")

	cfg.WriteString("retention:\n")
	cfg.WriteString("  translation_age: \"720h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the daemon:")
	fmt.Printf("  relayd serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
