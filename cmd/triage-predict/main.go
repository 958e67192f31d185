package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"net/mail"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/bayes"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/engine"
	"github.com/mikey/mail-triage/internal/factory"
	"github.com/mikey/mail-triage/internal/features"
	"github.com/mikey/mail-triage/internal/logging"
)

var (
	// Store flags
	storeType  = flag.String("store", "sqlite", "Action store type (memory, sqlite, mysql)")
	sqlitePath = flag.String("sqlite-path", "action_log.db", "Path to the SQLite action log")
	mysqlDSN   = flag.String("mysql-dsn", "", "MySQL DSN for the action log")

	// Snapshot flags
	snapshotType = flag.String("snapshot", "file", "Snapshot store type (file, sqlite)")
	snapshotPath = flag.String("snapshot-path", "model_snapshot.json", "Path to the model snapshot")

	// Message identity flags
	folder = flag.String("folder", "INBOX", "Folder the message lives in")
	uid    = flag.Uint("uid", 1, "IMAP UID of the message")

	// Action flags
	record       = flag.String("record", "", "Record this action kind instead of only predicting (read, archive, delete, move, flag, reply, ignore)")
	targetFolder = flag.String("target-folder", "", "Target folder for a recorded move action")
	note         = flag.String("note", "", "Free-text note attached to a recorded action")

	// Input flags
	inputFile  = flag.String("file", "", "Input email file (use stdin if not specified)")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	jsonLog    = flag.Bool("json-log", false, "Output logs in JSON format")
	configFile = flag.String("config", "", "Path to config file (overrides command line flags)")
)

var msgIDPattern = regexp.MustCompile(`<[^>]+>`)

func main() {
	flag.Parse()

	var cfg *config.Config
	var err error

	// Initialize logger
	logger, err := logging.InitConsoleLogger(*verbose, *jsonLog)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load configuration from file if specified
	if *configFile != "" {
		cfg, err = config.New()
		if err != nil {
			logger.Fatal("Failed to load configuration", zap.Error(err))
		}
		logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
	} else {
		// Create config from command line flags
		cfg = createConfigFromFlags()
	}

	// Build the engine from configuration
	storeFactory := factory.NewStoreFactory(cfg, logger)
	actionStore, err := storeFactory.CreateActionStore()
	if err != nil {
		logger.Fatal("Failed to create action store", zap.Error(err))
	}

	snapshotFactory := factory.NewSnapshotFactory(cfg, logger)
	snapshotStore, err := snapshotFactory.CreateSnapshotStore()
	if err != nil {
		logger.Fatal("Failed to create snapshot store", zap.Error(err))
	}

	extractor := features.NewExtractor(logger)
	model := bayes.New(features.SchemaVersion, logger)

	// One-shot run: no periodic flush, Close persists the snapshot.
	eng := engine.New(actionStore, extractor, model, snapshotStore, logger, 0)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		logger.Fatal("Failed to start learning engine", zap.Error(err))
	}
	defer func() {
		if err := eng.Close(ctx); err != nil {
			logger.Error("Failed to close learning engine", zap.Error(err))
		}
	}()

	// Read email from file or stdin
	var emailReader io.Reader
	if *inputFile != "" {
		file, err := os.Open(*inputFile)
		if err != nil {
			logger.Fatal("Failed to open input file", zap.Error(err), zap.String("file", *inputFile))
		}
		defer file.Close()
		emailReader = file
		logger.Info("Reading email from file", zap.String("file", *inputFile))
	} else {
		emailReader = os.Stdin
		logger.Info("Reading email from stdin")
	}

	// Parse email
	msg, err := mail.ReadMessage(bufio.NewReader(emailReader))
	if err != nil {
		logger.Fatal("Failed to parse email", zap.Error(err))
	}

	if *uid > math.MaxUint32 {
		logger.Fatal("UID out of range for an IMAP UID", zap.Uint("uid", *uid))
	}

	email, err := emailFromMessage(msg, core.MessageID{Folder: *folder, UID: uint32(*uid)})
	if err != nil {
		logger.Fatal("Failed to build email snapshot", zap.Error(err))
	}

	// Print email summary
	fmt.Printf("\n=== Email Summary ===\n")
	fmt.Printf("From: %s\n", email.From)
	fmt.Printf("Subject: %s\n", email.Subject)
	fmt.Printf("Body length: %d bytes\n", len(email.TextBody))
	fmt.Printf("Trained examples: %d\n", model.Examples())
	fmt.Printf("\n")

	dctx, err := eng.ContextFor(ctx, email)
	if err != nil {
		logger.Fatal("Failed to derive decision context", zap.Error(err))
	}

	pred, err := eng.PredictFor(ctx, email, dctx)
	if err != nil {
		logger.Fatal("Failed to predict", zap.Error(err))
	}

	// Print results
	fmt.Printf("=== Prediction ===\n")
	fmt.Printf("Proposed action: %s\n", pred.Kind)
	fmt.Printf("Confidence: %.4f\n", pred.Confidence)
	for _, kind := range bayes.Explain(pred) {
		fmt.Printf("  %-8s %.4f\n", kind, pred.Posteriors[kind])
	}

	// Record a decision if requested
	if *record != "" {
		kind, err := core.ParseActionKind(*record)
		if err != nil {
			logger.Fatal("Invalid action kind", zap.Error(err))
		}
		action, err := eng.OnAction(ctx, email, kind, *targetFolder, *note, dctx)
		if err != nil {
			logger.Fatal("Failed to record action", zap.Error(err))
		}
		fmt.Printf("\n=== Recorded ===\n")
		fmt.Printf("Record id: %s\n", action.ID)
		fmt.Printf("Action: %s\n", action.Kind)
	}
}

// emailFromMessage converts a parsed RFC 5322 message into the engine's
// email snapshot.
func emailFromMessage(msg *mail.Message, id core.MessageID) (*core.Email, error) {
	bodyBytes, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read email body: %w", err)
	}

	email := &core.Email{
		ID:         id,
		Subject:    msg.Header.Get("Subject"),
		TextBody:   string(bodyBytes),
		Headers:    make(map[string][]string),
		MessageRef: strings.TrimSpace(msg.Header.Get("Message-ID")),
		InReplyTo:  strings.TrimSpace(msg.Header.Get("In-Reply-To")),
		References: msgIDPattern.FindAllString(msg.Header.Get("References"), -1),
	}

	for k, v := range msg.Header {
		email.Headers[k] = v
	}

	if from, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		email.From = core.Address{Name: from.Name, Addr: from.Address}
	} else {
		email.From = core.Address{Addr: strings.TrimSpace(msg.Header.Get("From"))}
	}
	if tos, err := msg.Header.AddressList("To"); err == nil {
		for _, to := range tos {
			email.To = append(email.To, core.Address{Name: to.Name, Addr: to.Address})
		}
	}
	if date, err := msg.Header.Date(); err == nil {
		email.Date = date
	}
	if strings.Contains(strings.ToLower(msg.Header.Get("Content-Type")), "multipart/mixed") {
		email.AttachmentCount = 1
	}

	return email, nil
}

// createConfigFromFlags creates a configuration from command line flags
func createConfigFromFlags() *config.Config {
	v := config.NewEmptyViper()

	v.Set("store.type", *storeType)
	v.Set("store.sqlite_path", *sqlitePath)
	if *mysqlDSN != "" {
		v.Set("store.mysql_dsn", *mysqlDSN)
	}

	v.Set("snapshot.type", *snapshotType)
	switch *snapshotType {
	case "file":
		v.Set("snapshot.file_path", *snapshotPath)
	case "sqlite":
		v.Set("snapshot.sqlite_path", *snapshotPath)
	}

	return config.NewFromViper(v)
}
