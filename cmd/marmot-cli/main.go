package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marmot-chat/go-cli/internal/app"
	"marmot-chat/go-cli/internal/doctor"
	"marmot-chat/go-cli/internal/engine"
	"marmot-chat/go-cli/internal/identity"
	"marmot-chat/go-cli/internal/platform/privacylog"
	"marmot-chat/go-cli/internal/relay"
	"marmot-chat/go-cli/internal/relayconfig"
	"marmot-chat/go-cli/internal/signer"
)

const (
	exitOK               = 0
	exitInvalidInput     = 10
	exitNetworkFailed    = 20
	exitCredentialFailed = 30
	exitEngineFailed     = 40
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "signer-status":
		runSignerStatus(os.Args[2:])
	case "migrate-signer":
		runMigrateSigner(os.Args[2:])
	case "publish-key-package":
		runPublishKeyPackage(os.Args[2:])
	case "fetch-key-package":
		runFetchKeyPackage(os.Args[2:])
	case "create-chat":
		runCreateChat(os.Args[2:])
	case "list-chats":
		runListChats(os.Args[2:])
	case "send":
		runSend(os.Args[2:])
	case "receive":
		runReceive(os.Args[2:])
	case "accept-welcome":
		runAcceptWelcome(os.Args[2:])
	case "listen":
		runListen(os.Args[2:])
	case "doctor":
		runDoctor(os.Args[2:])
	default:
		printUsage()
		os.Exit(exitInvalidInput)
	}
}

// sessionFlags are shared by every command that opens a signing session.
type sessionFlags struct {
	db      *string
	key     *string
	bunker  *string
	keyfile *string
	relays  *string
	config  *string
	quiet   *bool
	noAudit *bool
}

func addSessionFlags(fs *flag.FlagSet) *sessionFlags {
	return &sessionFlags{
		db:      fs.String("db", "marmot.db", "engine database path; sidecar files live beside it"),
		key:     fs.String("key", os.Getenv("MARMOT_KEY"), "secret key, msec1 or hex"),
		bunker:  fs.String("bunker", "", "remote signer descriptor bunker://<pubkey>?relay=wss://...&secret=TOKEN"),
		keyfile: fs.String("keyfile", "", "encrypted keyfile path; passphrase from MARMOT_PASSPHRASE"),
		relays:  fs.String("relays", "", "comma-separated relay urls override"),
		config:  fs.String("config", "", "relay config yaml path"),
		quiet:   fs.Bool("quiet", false, "suppress informational logging"),
		noAudit: fs.Bool("no-audit", false, "disable the signing audit trail"),
	}
}

type session struct {
	svc   *app.Service
	node  *relay.Node
	audit *signer.AuditLog
}

func (s *session) close(ctx context.Context) {
	if s.node != nil {
		_ = s.node.Stop(ctx)
	}
}

// openSession builds the full collaborator set: relay node, audit trail,
// signer and (when the command needs one) the group engine.
func openSession(ctx context.Context, sf *sessionFlags, needEngine bool) (*session, error) {
	setupLogging(*sf.quiet)

	mode, err := resolveMode(sf)
	if err != nil {
		return nil, err
	}

	cfg := relayconfig.LoadFromPath(*sf.config)
	if urls := splitList(*sf.relays); len(urls) > 0 {
		cfg.RelayURLs = urls
	}
	if mode.Remote != nil {
		// The bunker link's relays are where its signer listens; the node
		// must dial them in addition to the configured set.
		relayconfig.AddRelayURLs(&cfg, mode.Remote.Relays)
	}
	node := relay.NewNode(cfg)
	if err := node.Start(ctx); err != nil {
		return nil, fmt.Errorf("start relay node: %w", err)
	}

	audit := signer.NewAuditLog(*sf.db)
	if *sf.noAudit {
		audit = signer.DisabledAuditLog()
	}

	broker, err := signer.New(ctx, mode, *sf.db, audit, node)
	if err != nil {
		_ = node.Stop(ctx)
		return nil, err
	}

	svc := &app.Service{
		Signer: broker,
		Relay:  node,
		Relays: cfg.RelayURLs,
		DBPath: *sf.db,
		Log:    slog.Default(),
	}
	if needEngine {
		eng, err := engine.Open(*sf.db)
		if err != nil {
			_ = node.Stop(ctx)
			return nil, err
		}
		svc.Engine = eng
	}
	return &session{svc: svc, node: node, audit: audit}, nil
}

func resolveMode(sf *sessionFlags) (signer.Mode, error) {
	if *sf.keyfile != "" && *sf.key == "" && *sf.bunker == "" {
		keys, err := identity.LoadKeyfile(*sf.keyfile, []byte(os.Getenv("MARMOT_PASSPHRASE")))
		if err != nil {
			return signer.Mode{}, fmt.Errorf("open keyfile: %w", err)
		}
		return signer.Mode{Local: keys}, nil
	}
	return signer.ResolveMode(*sf.key, *sf.bunker, *sf.db)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	keyfile := fs.String("keyfile", "marmot.key", "where to write the encrypted keyfile")
	parseFlags(fs, args)

	passphrase := os.Getenv("MARMOT_PASSPHRASE")
	if passphrase == "" {
		fail("set MARMOT_PASSPHRASE before running init", exitInvalidInput)
	}
	if _, err := os.Stat(*keyfile); err == nil {
		fail(fmt.Sprintf("refusing to overwrite existing keyfile %s", *keyfile), exitInvalidInput)
	}

	mnemonic, keys, err := identity.Generate()
	if err != nil {
		fail(err.Error(), exitCredentialFailed)
	}
	env, err := identity.EncryptSecret(keys.Secret, []byte(passphrase))
	if err != nil {
		fail(err.Error(), exitCredentialFailed)
	}
	if err := identity.SaveKeyfile(*keyfile, env); err != nil {
		fail(err.Error(), exitCredentialFailed)
	}

	bech, _ := identity.EncodePublicKey(keys.PublicHex())
	fmt.Printf("public key: %s\n", bech)
	fmt.Printf("keyfile:    %s\n", *keyfile)
	fmt.Println("\nrecovery mnemonic (shown once, store it offline):")
	fmt.Println("  " + mnemonic)
	os.Exit(exitOK)
}

func runWhoami(args []string) {
	fs := flag.NewFlagSet("whoami", flag.ExitOnError)
	sf := addSessionFlags(fs)
	parseFlags(fs, args)

	ctx := context.Background()
	sess := mustOpen(ctx, sf, false)
	defer sess.close(ctx)

	status, err := sess.svc.Whoami()
	if err != nil {
		fail(err.Error(), exitCredentialFailed)
	}
	fmt.Printf("pubkey: %s\n", status.PubKeyBech)
	fmt.Printf("        %s\n", status.PubKey)
	fmt.Printf("mode:   %s\n", status.Mode)
	os.Exit(exitOK)
}

func runSignerStatus(args []string) {
	fs := flag.NewFlagSet("signer-status", flag.ExitOnError)
	sf := addSessionFlags(fs)
	parseFlags(fs, args)

	ctx := context.Background()
	sess := mustOpen(ctx, sf, false)
	defer sess.close(ctx)

	status, err := sess.svc.Whoami()
	if err != nil {
		fail(err.Error(), exitCredentialFailed)
	}
	mustPrintJSON(status)
	os.Exit(exitOK)
}

func runMigrateSigner(args []string) {
	fs := flag.NewFlagSet("migrate-signer", flag.ExitOnError)
	db := fs.String("db", "marmot.db", "engine database path")
	bunker := fs.String("bunker", "", "bunker descriptor to link")
	config := fs.String("config", "", "relay config yaml path")
	relays := fs.String("relays", "", "comma-separated relay urls override")
	quiet := fs.Bool("quiet", false, "suppress informational logging")
	parseFlags(fs, args)

	if strings.TrimSpace(*bunker) == "" {
		fail("--bunker is required", exitInvalidInput)
	}
	setupLogging(*quiet)

	// Parsed once here for its relay list; Migrate re-parses and mints the
	// communication key that actually gets persisted.
	link, err := signer.ParseBunkerURI(*bunker)
	if err != nil {
		fail(err.Error(), exitInvalidInput)
	}

	ctx := context.Background()
	cfg := relayconfig.LoadFromPath(*config)
	if urls := splitList(*relays); len(urls) > 0 {
		cfg.RelayURLs = urls
	}
	relayconfig.AddRelayURLs(&cfg, link.Relays)
	node := relay.NewNode(cfg)
	if err := node.Start(ctx); err != nil {
		fail(err.Error(), exitNetworkFailed)
	}
	defer node.Stop(ctx)

	audit := signer.NewAuditLog(*db)
	broker, err := signer.Migrate(ctx, *bunker, *db, audit, node)
	if err != nil {
		code := exitCredentialFailed
		if errors.Is(err, signer.ErrRemoteUnavailable) {
			code = exitNetworkFailed
		}
		fail(err.Error(), code)
	}

	fmt.Printf("linked to bunker, signing as %s\n", broker.Identity())
	fmt.Printf("config: %s\n", signer.ConfigPath(*db))
	os.Exit(exitOK)
}

func runPublishKeyPackage(args []string) {
	fs := flag.NewFlagSet("publish-key-package", flag.ExitOnError)
	sf := addSessionFlags(fs)
	parseFlags(fs, args)

	ctx := context.Background()
	sess := mustOpen(ctx, sf, true)
	defer sess.close(ctx)

	id, err := sess.svc.PublishKeyPackage(ctx)
	if err != nil {
		failOp(err)
	}
	fmt.Printf("key package published: %s\n", id)
	os.Exit(exitOK)
}

func runFetchKeyPackage(args []string) {
	fs := flag.NewFlagSet("fetch-key-package", flag.ExitOnError)
	sf := addSessionFlags(fs)
	pubkey := fs.String("pubkey", "", "marmot1 or hex public key to look up")
	parseFlags(fs, args)

	if *pubkey == "" {
		fail("--pubkey is required", exitInvalidInput)
	}
	ctx := context.Background()
	sess := mustOpen(ctx, sf, false)
	defer sess.close(ctx)

	ev, err := sess.svc.FetchKeyPackage(ctx, *pubkey)
	if err != nil {
		failOp(err)
	}
	mustPrintJSON(ev)
	os.Exit(exitOK)
}

func runCreateChat(args []string) {
	fs := flag.NewFlagSet("create-chat", flag.ExitOnError)
	sf := addSessionFlags(fs)
	name := fs.String("name", "", "group name")
	description := fs.String("description", "", "group description")
	invite := fs.String("invite", "", "comma-separated invitee public keys")
	parseFlags(fs, args)

	invitees := splitList(*invite)
	if *name == "" || len(invitees) == 0 {
		fail("--name and --invite are required", exitInvalidInput)
	}

	ctx := context.Background()
	sess := mustOpen(ctx, sf, true)
	defer sess.close(ctx)

	created, err := sess.svc.CreateChat(ctx, *name, *description, invitees)
	if err != nil {
		failOp(err)
	}
	fmt.Printf("chat created: %s\n", created.Name)
	fmt.Printf("  group id: %s\n", created.GroupID)
	fmt.Printf("  wire id:  %s\n", created.WireID)
	fmt.Printf("  welcomes sent: %d\n", created.Welcomes)
	fmt.Printf("\nsend a message with:\n  marmot-cli send --group %s --message \"hello\"\n", created.GroupID[:8])
	os.Exit(exitOK)
}

func runListChats(args []string) {
	fs := flag.NewFlagSet("list-chats", flag.ExitOnError)
	sf := addSessionFlags(fs)
	asJSON := fs.Bool("json", false, "emit json")
	parseFlags(fs, args)

	ctx := context.Background()
	sess := mustOpen(ctx, sf, true)
	defer sess.close(ctx)

	chats, err := sess.svc.ListChats()
	if err != nil {
		failOp(err)
	}
	if *asJSON {
		mustPrintJSON(chats)
		os.Exit(exitOK)
	}
	if len(chats) == 0 {
		fmt.Println("no chats yet; create one with create-chat or accept a welcome")
		os.Exit(exitOK)
	}
	for _, c := range chats {
		name := c.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s  %s  members=%d epoch=%d\n", c.GroupID[:16], name, c.MemberCount, c.Epoch)
	}
	os.Exit(exitOK)
}

func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	sf := addSessionFlags(fs)
	group := fs.String("group", "", "group id prefix")
	message := fs.String("message", "", "message text")
	parseFlags(fs, args)

	if *group == "" || *message == "" {
		fail("--group and --message are required", exitInvalidInput)
	}
	ctx := context.Background()
	sess := mustOpen(ctx, sf, true)
	defer sess.close(ctx)

	id, err := sess.svc.Send(ctx, *group, *message)
	if err != nil {
		failOp(err)
	}
	fmt.Printf("sent: %s\n", id)
	os.Exit(exitOK)
}

func runReceive(args []string) {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	sf := addSessionFlags(fs)
	callback := fs.String("callback", "", "command fed each message as json on stdin")
	asJSON := fs.Bool("json", false, "emit the full sync report as json")
	parseFlags(fs, args)

	ctx := context.Background()
	sess := mustOpen(ctx, sf, true)
	defer sess.close(ctx)

	report, err := sess.svc.Receive(ctx, *callback)
	if err != nil {
		failOp(err)
	}
	if *asJSON {
		mustPrintJSON(report)
		os.Exit(exitOK)
	}
	fmt.Printf("welcomes processed: %d\n", report.WelcomesProcessed)
	for _, w := range report.PendingWelcomes {
		fmt.Printf("  pending welcome %s to %q from %s\n", w.EventID, w.GroupName, w.Inviter)
	}
	fmt.Printf("messages delivered: %d\n", report.MessagesDelivered)
	for _, p := range report.Payloads {
		fmt.Printf("  [%s] %s: %s\n", p.GroupName, p.SenderBech, p.Content)
	}
	os.Exit(exitOK)
}

func runAcceptWelcome(args []string) {
	fs := flag.NewFlagSet("accept-welcome", flag.ExitOnError)
	sf := addSessionFlags(fs)
	id := fs.String("id", "", "welcome event id")
	parseFlags(fs, args)

	if *id == "" {
		fail("--id is required", exitInvalidInput)
	}
	ctx := context.Background()
	sess := mustOpen(ctx, sf, true)
	defer sess.close(ctx)

	welcome, err := sess.svc.AcceptWelcome(*id)
	if err != nil {
		failOp(err)
	}
	fmt.Printf("joined %q (%s)\n", welcome.GroupName, welcome.GroupID)
	os.Exit(exitOK)
}

func runListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	sf := addSessionFlags(fs)
	interval := fs.Duration("interval", 30*time.Second, "sync pass interval")
	callback := fs.String("callback", "", "command fed each message as json on stdin")
	parseFlags(fs, args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := mustOpen(ctx, sf, true)
	defer sess.close(context.Background())

	if err := sess.svc.Listen(ctx, *interval, *callback); err != nil && !errors.Is(err, context.Canceled) {
		failOp(err)
	}
	os.Exit(exitOK)
}

func runDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	db := fs.String("db", "marmot.db", "engine database path")
	keyfile := fs.String("keyfile", "", "encrypted keyfile path to check")
	callback := fs.String("callback", "", "callback command to check")
	config := fs.String("config", "", "relay config yaml path")
	minPeers := fs.Int("min-peers", 0, "minimum peer count for readiness")
	asJSON := fs.Bool("json", false, "emit json")
	quiet := fs.Bool("quiet", false, "suppress informational logging")
	parseFlags(fs, args)

	setupLogging(*quiet)
	ctx := context.Background()
	node := relay.NewNode(relayconfig.LoadFromPath(*config))
	if err := node.Start(ctx); err != nil {
		slog.Warn("relay start failed", "error", err)
	}
	defer node.Stop(ctx)

	report := doctor.Run(node, doctor.Input{
		DBPath:   *db,
		Keyfile:  *keyfile,
		Callback: *callback,
		MinPeers: *minPeers,
	})
	if *asJSON {
		mustPrintJSON(report)
	} else {
		fmt.Printf("ready=%v checks=%d\n", report.Ready, len(report.Checks))
		for _, c := range report.Checks {
			if c.Pass {
				fmt.Printf("[PASS] %s\n", c.Name)
			} else {
				fmt.Printf("[FAIL] %s: %s\n", c.Name, c.Reason)
			}
		}
	}
	if report.Ready {
		os.Exit(exitOK)
	}
	os.Exit(exitNetworkFailed)
}

func mustOpen(ctx context.Context, sf *sessionFlags, needEngine bool) *session {
	sess, err := openSession(ctx, sf, needEngine)
	if err != nil {
		code := exitCredentialFailed
		switch {
		case errors.Is(err, engine.ErrNotLinked):
			code = exitEngineFailed
		case errors.Is(err, signer.ErrRemoteUnavailable):
			code = exitNetworkFailed
		case errors.Is(err, signer.ErrInvalidDescriptor), errors.Is(err, signer.ErrNoCredential):
			code = exitInvalidInput
		}
		fail(err.Error(), code)
	}
	return sess
}

func failOp(err error) {
	code := exitEngineFailed
	switch {
	case errors.Is(err, signer.ErrRemoteUnavailable), errors.Is(err, relay.ErrNotConnected):
		code = exitNetworkFailed
	case errors.Is(err, signer.ErrInvalidDescriptor):
		code = exitInvalidInput
	}
	fail(err.Error(), code)
}

func setupLogging(quiet bool) {
	level := slog.LevelInfo
	if quiet {
		level = slog.LevelWarn
	}
	handler := privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(slog.New(handler))
}

func parseFlags(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error(), exitInvalidInput)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustPrintJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err.Error(), exitNetworkFailed)
	}
}

func fail(msg string, code int) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(code)
}

func printUsage() {
	fmt.Println("marmot-cli <command> [flags]")
	fmt.Println("commands:")
	fmt.Println("  init                 --keyfile <path>   (MARMOT_PASSPHRASE required)")
	fmt.Println("  whoami               [session flags]")
	fmt.Println("  signer-status        [session flags]")
	fmt.Println("  migrate-signer       --bunker <uri> [--db path]")
	fmt.Println("  publish-key-package  [session flags]")
	fmt.Println("  fetch-key-package    --pubkey <marmot1|hex>")
	fmt.Println("  create-chat          --name <name> --invite <pubkey,...> [--description text]")
	fmt.Println("  list-chats           [--json]")
	fmt.Println("  send                 --group <prefix> --message <text>")
	fmt.Println("  receive              [--callback cmd] [--json]")
	fmt.Println("  accept-welcome       --id <event-id>")
	fmt.Println("  listen               [--interval 30s] [--callback cmd]")
	fmt.Println("  doctor               [--db path] [--keyfile path] [--callback cmd] [--min-peers n] [--json]")
	fmt.Println("session flags: --db --key --bunker --keyfile --relays --config --quiet --no-audit")
}
