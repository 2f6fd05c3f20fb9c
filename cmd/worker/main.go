// Command worker runs the PeerTide transcoding worker: it polls the
// gateway for jobs, serves the local direct API, and publishes HLS
// bundles to the content store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"peertide/internal/directapi"
	"peertide/internal/engine"
	"peertide/internal/gateway"
	"peertide/internal/guard"
	"peertide/internal/identity"
	"peertide/internal/ipfs"
	"peertide/internal/jobdb"
	"peertide/internal/observability/logging"
	"peertide/internal/observability/metrics"
	"peertide/internal/pinledger"
	"peertide/internal/pinstore"
	"peertide/internal/queue"
	"peertide/internal/transcode"
	"peertide/internal/webhook"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	dataDir := flag.String("data-dir", "", "directory for the identity file and pending-pin queue")
	nodeName := flag.String("node-name", "", "display name reported to the gateway")
	gatewayURL := flag.String("gateway-url", "", "encoder gateway base URL")
	pollInterval := flag.Duration("poll-interval", 0, "interval between gateway polls")
	ipfsAPI := flag.String("ipfs-api", "", "local IPFS daemon API, e.g. http://127.0.0.1:5001")
	ipfsGateway := flag.String("ipfs-gateway", "", "HTTP gateway tried first for source downloads")
	remotePinURL := flag.String("remote-pin-url", "", "optional remote daemon-compatible pin API")
	postgresDSN := flag.String("postgres-dsn", "", "optional Postgres DSN for the job database fallback")
	redisAddr := flag.String("redis-addr", "", "optional Redis address for the pin ledger")
	redisUsername := flag.String("redis-username", "", "Redis username for the pin ledger")
	redisPassword := flag.String("redis-password", "", "Redis password for the pin ledger")
	maxConcurrent := flag.Int("max-concurrent", 0, "maximum simultaneous transcodes")
	maxAttempts := flag.Int("max-attempts", 0, "attempts before a retryable job is abandoned")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	workDir := flag.String("work-dir", "", "scratch directory for in-flight transcodes")
	apiAddr := flag.String("api-addr", "", "direct API listen address")
	apiKey := flag.String("api-key", "", "direct API key; empty leaves the API open")
	apiDisabled := flag.Bool("disable-direct-api", false, "serve 503 on direct API job endpoints")
	apiRPS := flag.Float64("api-rps", 0, "direct API global request rate limit")
	apiBurst := flag.Int("api-burst", 0, "direct API rate limit burst allowance")
	apiTLSCert := flag.String("api-tls-cert", "", "path to TLS certificate for the direct API")
	apiTLSKey := flag.String("api-tls-key", "", "path to TLS private key for the direct API")
	memSoft := flag.Uint64("mem-soft-limit", 0, "heap bytes that trigger a compaction warning")
	memHard := flag.Uint64("mem-hard-limit", 0, "heap bytes that abort the process")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("PEERTIDE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("PEERTIDE_LOG_FORMAT")),
	})
	recorder := metrics.New()

	dir := resolveDataDir(*dataDir, os.Getenv("PEERTIDE_DATA_DIR"))
	ident, err := identity.Load(dir, firstNonEmpty(*nodeName, os.Getenv("PEERTIDE_NODE_NAME")))
	if err != nil {
		logger.Error("failed to load worker identity", "error", err)
		os.Exit(1)
	}
	logger.Info("worker identity ready",
		"did", ident.DID(), "name", ident.DisplayName(), "jobs_completed", ident.TotalJobsCompleted())

	gatewayBase := firstNonEmpty(*gatewayURL, os.Getenv("PEERTIDE_GATEWAY_URL"))
	if gatewayBase == "" {
		logger.Error("no gateway configured: provide --gateway-url or PEERTIDE_GATEWAY_URL")
		os.Exit(1)
	}
	gw, err := gateway.NewClient(gateway.Config{
		BaseURL: gatewayBase,
		Logger:  logging.WithComponent(logger, "gateway"),
		Metrics: recorder,
	}, ident)
	if err != nil {
		logger.Error("failed to initialise gateway client", "error", err)
		os.Exit(1)
	}

	store := ipfs.NewClient(ipfs.Config{
		APIURL:           firstNonEmpty(*ipfsAPI, os.Getenv("PEERTIDE_IPFS_API")),
		GatewayURL:       firstNonEmpty(*ipfsGateway, os.Getenv("PEERTIDE_IPFS_GATEWAY")),
		RemotePinURL:     firstNonEmpty(*remotePinURL, os.Getenv("PEERTIDE_REMOTE_PIN_URL")),
		Logger:           logging.WithComponent(logger, "ipfs"),
		LocalPinFallback: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transcoder := transcode.New(transcode.Config{
		FFmpegPath:  firstNonEmpty(*ffmpegPath, os.Getenv("PEERTIDE_FFMPEG")),
		FFprobePath: firstNonEmpty(*ffprobePath, os.Getenv("PEERTIDE_FFPROBE")),
		WorkDir:     firstNonEmpty(*workDir, os.Getenv("PEERTIDE_WORK_DIR")),
		Logger:      logging.WithComponent(logger, "transcode"),
		Metrics:     recorder,
	}, store)
	if err := transcoder.Init(ctx); err != nil {
		logger.Error("encoder detection failed", "error", err)
		os.Exit(1)
	}

	// The job database is an optional fallback; a worker without one only
	// loses the forensic paths.
	var verifier *jobdb.Verifier
	if dsn := firstNonEmpty(*postgresDSN, os.Getenv("PEERTIDE_POSTGRES_DSN")); dsn != "" {
		verifier, err = jobdb.Open(ctx, jobdb.Config{
			DSN:             dsn,
			ApplicationName: "peertide-worker",
			Logger:          logging.WithComponent(logger, "jobdb"),
		})
		if err != nil {
			logger.Warn("job database unavailable, fallbacks disabled", "error", err)
			verifier = nil
		}
	}

	pins, err := pinstore.Open(pinstore.Config{
		Path:   filepath.Join(dir, "pending_pins.json"),
		Logger: logging.WithComponent(logger, "pinstore"),
	})
	if err != nil {
		logger.Error("failed to open pending-pin store", "error", err)
		os.Exit(1)
	}
	defer pins.Close()

	var ledger *pinledger.Ledger
	if addr := firstNonEmpty(*redisAddr, os.Getenv("PEERTIDE_REDIS_ADDR")); addr != "" {
		ledger, err = pinledger.Open(ctx, pinledger.Config{
			Addr:     addr,
			Username: firstNonEmpty(*redisUsername, os.Getenv("PEERTIDE_REDIS_USERNAME")),
			Password: firstNonEmpty(*redisPassword, os.Getenv("PEERTIDE_REDIS_PASSWORD")),
			Logger:   logging.WithComponent(logger, "pinledger"),
		})
		if err != nil {
			logger.Warn("pin ledger unavailable", "error", err)
			ledger = nil
		} else {
			defer ledger.Close()
		}
	}

	jobs := queue.New(queue.Config{
		MaxConcurrent: resolveInt(*maxConcurrent, "PEERTIDE_MAX_CONCURRENT"),
		MaxAttempts:   resolveInt(*maxAttempts, "PEERTIDE_MAX_ATTEMPTS"),
		Logger:        logging.WithComponent(logger, "queue"),
		Metrics:       recorder,
	})

	hooks := webhook.New(webhook.Config{
		EncoderID: ident.DID(),
		Logger:    logging.WithComponent(logger, "webhook"),
	})

	registerWithGateway(ctx, logger, gw, store, ident)

	api := directapi.New(directapi.Config{
		Addr:        firstNonEmpty(*apiAddr, os.Getenv("PEERTIDE_API_ADDR")),
		APIKey:      firstNonEmpty(*apiKey, os.Getenv("PEERTIDE_API_KEY")),
		Enabled:     !resolveBool(*apiDisabled, "PEERTIDE_DISABLE_DIRECT_API"),
		GlobalRPS:   resolveFloat(*apiRPS, "PEERTIDE_API_RPS"),
		GlobalBurst: resolveInt(*apiBurst, "PEERTIDE_API_BURST"),
		TLSCert:     firstNonEmpty(*apiTLSCert, os.Getenv("PEERTIDE_API_TLS_CERT")),
		TLSKey:      firstNonEmpty(*apiTLSKey, os.Getenv("PEERTIDE_API_TLS_KEY")),
		Logger:      logging.WithComponent(logger, "directapi"),
		Metrics:     recorder,
	}, jobs)

	memGuard := guard.New(guard.Config{
		SoftLimitBytes: resolveUint(*memSoft, "PEERTIDE_MEM_SOFT_LIMIT"),
		HardLimitBytes: resolveUint(*memHard, "PEERTIDE_MEM_HARD_LIMIT"),
		Logger:         logging.WithComponent(logger, "guard"),
		KillChildren: func() {
			if n := transcoder.KillChildren(); n > 0 {
				logger.Warn("encoder children killed by memory guard", "count", n)
			}
		},
		Abort: func() {
			logger.Error("memory guard abort, exiting for supervisor restart")
			os.Exit(1)
		},
	})
	go memGuard.Run(ctx)

	deps := engine.Deps{
		Queue:    jobs,
		Gateway:  gw,
		Encoder:  transcoder,
		Pinner:   store,
		Pins:     pins,
		Ledger:   ledger,
		Hooks:    hooks,
		Identity: ident,
	}
	if verifier != nil {
		deps.DB = verifier
	}
	eng := engine.New(engine.Config{
		PollInterval:   resolveDuration(*pollInterval, "PEERTIDE_POLL_INTERVAL", 0),
		EncoderVersion: version,
		Logger:         logging.WithComponent(logger, "engine"),
		Metrics:        recorder,
	}, deps)

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- api.Run(ctx)
	}()

	engDone := make(chan error, 1)
	go func() {
		logger.Info("worker running", "gateway", gatewayBase, "version", version)
		engDone <- eng.Run(ctx)
	}()

	select {
	case err := <-apiErr:
		if err != nil {
			logger.Error("direct API failed", "error", err)
		}
		stop()
		<-engDone
	case <-engDone:
	}

	logger.Info("worker stopped")
}

// registerWithGateway announces this worker. Failure is not fatal; the
// poll loop keeps trying and the health tracker reports the outage.
func registerWithGateway(ctx context.Context, logger *slog.Logger, gw *gateway.Client, store *ipfs.Client, ident *identity.Identity) {
	regCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := gw.Probe(regCtx, 90*time.Second); err != nil {
		logger.Warn("gateway unreachable at startup", "error", err)
		return
	}
	peerID, err := store.PeerID(regCtx)
	if err != nil {
		logger.Warn("IPFS daemon did not report a peer ID", "error", err)
	}
	info := gateway.NodeInfo{
		Name:       ident.DisplayName(),
		PeerID:     peerID,
		CommitHash: version,
	}
	if err := gw.UpdateNode(regCtx, info); err != nil {
		logger.Warn("gateway registration failed", "error", err)
		return
	}
	logger.Info("registered with gateway", "name", info.Name, "peer_id", peerID)
}

func resolveDataDir(flagValue, envValue string) string {
	if dir := strings.TrimSpace(firstNonEmpty(flagValue, envValue)); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".peertide")
	}
	return ".peertide"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveUint(flagValue uint64, envKey string) uint64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseUint(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
