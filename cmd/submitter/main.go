package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	redisadapter "github.com/happychain/boop-submitter/adapters/redis"
	"github.com/happychain/boop-submitter/api"
	"github.com/happychain/boop-submitter/blockmonitor"
	"github.com/happychain/boop-submitter/boop"
	"github.com/happychain/boop-submitter/chain"
	"github.com/happychain/boop-submitter/collector"
	"github.com/happychain/boop-submitter/events"
	"github.com/happychain/boop-submitter/gasprice"
	"github.com/happychain/boop-submitter/intentqueue"
	"github.com/happychain/boop-submitter/jsonrpcserver"
	"github.com/happychain/boop-submitter/nonce"
	"github.com/happychain/boop-submitter/receipts"
	"github.com/happychain/boop-submitter/simcache"
	"github.com/happychain/boop-submitter/simulator"
	"github.com/happychain/boop-submitter/store"
	"github.com/happychain/boop-submitter/submitter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// The engine, the intent queue and the API read their own env variables,
	// see `submitter.ConfigFromEnv` and `intentqueue.ConfigFromEnv`.

	// Default values
	defaultDebug             = os.Getenv("DEBUG") == "1"
	defaultLogProd           = os.Getenv("LOG_PROD") == "1"
	defaultLogService        = os.Getenv("LOG_SERVICE")
	defaultPort              = cli.GetEnv("PORT", "3001")
	defaultMetricsPort       = cli.GetEnv("METRICS_PORT", "8088")
	defaultRedisEndpoint     = os.Getenv("REDIS_ENDPOINT")
	defaultPostgresDSN       = os.Getenv("POSTGRES_DSN")
	defaultEthEndpoint       = cli.GetEnv("RPC_URL", "http://127.0.0.1:8545")
	defaultSimEndpoints      = os.Getenv("SIMULATION_ENDPOINTS")
	defaultEntryPoint        = cli.GetEnv("ENTRYPOINT", "")
	defaultExecutorKeys      = os.Getenv("EXECUTOR_KEYS")
	defaultChainsConfig      = cli.GetEnv("CHAINS_CONFIG", "chains.yaml")
	defaultPollInterval      = cli.GetEnv("BLOCK_POLL_INTERVAL_MS", "500")
	defaultBaseFeeMargin     = cli.GetEnv("BASEFEE_MARGIN_PERCENT", "20")
	defaultPriorityFee       = cli.GetEnv("MAX_PRIORITY_FEE_PER_GAS", "0")
	defaultMaxBaseFee        = os.Getenv("MAX_BASEFEE")
	defaultSimCacheSize      = cli.GetEnv("SIMULATION_CACHE_SIZE", "10000")
	defaultSimCacheTTL       = cli.GetEnv("SIMULATION_CACHE_TTL_MS", "30000")
	defaultSimulateRateLimit = cli.GetEnv("SIMULATE_RATE_LIMIT", "50")
	defaultInstanceID        = cli.GetEnv("INSTANCE_ID", hostname())

	// Flags
	debugPtr             = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr           = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr        = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr              = flag.String("port", defaultPort, "port to listen on")
	redisPtr             = flag.String("redis", defaultRedisEndpoint, "redis url string, in-memory queue when empty")
	postgresDSNPtr       = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, in-memory store when empty")
	ethPtr               = flag.String("rpc-url", defaultEthEndpoint, "eth endpoint")
	simEndpointsPtr      = flag.String("sim-endpoints", defaultSimEndpoints, "simulation endpoints (comma separated), the rpc-url node when empty")
	entryPointPtr        = flag.String("entrypoint", defaultEntryPoint, "EntryPoint contract address")
	executorKeysPtr      = flag.String("executor-keys", defaultExecutorKeys, "executor private keys (comma separated, hex)")
	chainsConfigPtr      = flag.String("chains-config", defaultChainsConfig, "chains fee parameters file")
	pollIntervalPtr      = flag.String("block-poll-interval", defaultPollInterval, "block polling interval in milliseconds")
	baseFeeMarginPtr     = flag.String("basefee-margin", defaultBaseFeeMargin, "margin added to the predicted base fee (percent)")
	priorityFeePtr       = flag.String("max-priority-fee", defaultPriorityFee, "max priority fee per gas (wei)")
	maxBaseFeePtr        = flag.String("max-basefee", defaultMaxBaseFee, "refuse to submit above this base fee (wei), no limit when empty")
	simCacheSizePtr      = flag.String("sim-cache-size", defaultSimCacheSize, "number of cached simulations")
	simCacheTTLPtr       = flag.String("sim-cache-ttl", defaultSimCacheTTL, "simulation cache ttl in milliseconds")
	simulateRateLimitPtr = flag.String("simulate-rate-limit", defaultSimulateRateLimit, "boop_simulate and boop_estimateGas calls per second")
	instanceIDPtr        = flag.String("instance-id", defaultInstanceID, "stable id of this instance, owns its intent queue and processing claims (random when empty)")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting boop submitter", zap.String("version", version))

	if !common.IsHexAddress(*entryPointPtr) {
		logger.Fatal("Invalid entrypoint address", zap.String("entrypoint", *entryPointPtr))
	}
	submitterConfig, err := submitter.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load submitter config", zap.Error(err))
	}
	submitterConfig.EntryPoint = common.HexToAddress(*entryPointPtr)

	ethBackend, err := ethclient.Dial(*ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to eth endpoint", zap.Error(err))
	}
	chainID, err := ethBackend.ChainID(ctx)
	if err != nil {
		logger.Fatal("Failed to get chain id", zap.Error(err))
	}
	logger = logger.With(zap.Uint64("chainId", chainID.Uint64()))

	feeParams, err := gasprice.LoadParams(*chainsConfigPtr, chainID.Uint64())
	if err != nil {
		logger.Fatal("Failed to load chain fee parameters", zap.Error(err))
	}
	oracleConfig := gasprice.Config{
		Params:               feeParams,
		BaseFeeMarginPercent: mustParseUint(logger, "basefee margin", *baseFeeMarginPtr),
		MaxPriorityFeePerGas: mustParseBig(logger, "max priority fee", *priorityFeePtr),
	}
	if *maxBaseFeePtr != "" {
		oracleConfig.MaxBaseFee = mustParseBig(logger, "max basefee", *maxBaseFeePtr)
	}
	oracle := gasprice.NewOracle(logger, oracleConfig, gasprice.MarginStrategy)
	head, err := oracle.Refresh(ctx, ethBackend)
	if err != nil {
		logger.Fatal("Failed to fetch latest block", zap.Error(err))
	}

	var signers []chain.Signer //nolint:prealloc
	for _, key := range strings.Split(*executorKeysPtr, ",") {
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		signer, err := chain.NewKeySigner(key, chainID)
		if err != nil {
			logger.Fatal("Failed to load executor key", zap.Error(err))
		}
		signers = append(signers, signer)
	}
	executors, err := submitter.NewExecutorPool(submitterConfig.ExecutorTTL, signers...)
	if err != nil {
		logger.Fatal("Failed to create executor pool", zap.Error(err))
	}
	for _, addr := range executors.Addresses() {
		logger.Info("Executor account", zap.String("address", addr.Hex()))
	}

	var repo store.Repository
	if *postgresDSNPtr != "" {
		dbBackend, err := store.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer func() { _ = dbBackend.Close() }()
		repo = dbBackend
	} else {
		logger.Warn("No postgres dsn, boops are kept in memory only")
		repo = store.NewMemoryBackend()
	}

	queueConfig, err := intentqueue.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load intent queue config", zap.Error(err))
	}
	simCacheConfig := simcache.Config{
		Capacity:   int(mustParseUint(logger, "simulation cache size", *simCacheSizePtr)),
		TTL:        time.Duration(mustParseUint(logger, "simulation cache ttl", *simCacheTTLPtr)) * time.Millisecond,
		SlidingTTL: true,
	}
	if err := simCacheConfig.Validate(); err != nil {
		logger.Fatal("Invalid simulation cache config", zap.Error(err))
	}
	deps := submitter.Deps{
		Client:         ethBackend,
		Oracle:         oracle,
		BoopNonces:     nonce.NewManager(logger.Named("boop-nonces"), &chain.EntryPointNonceSource{Client: ethBackend, EntryPoint: submitterConfig.EntryPoint}),
		ExecutorNonces: nonce.NewManager(logger.Named("executor-nonces"), &chain.PendingNonceSource{Client: ethBackend}),
		Executors:      executors,
		Repo:           repo,
		Hub:            events.NewHub(),
		Liveness:       blockmonitor.NewLiveness(blockmonitor.DefaultLivenessConfig),
		Cache:          simcache.New[simcache.Key, *boop.SimulationOutput](simCacheConfig),
	}
	deps.Tracker = receipts.NewTracker(logger, ethBackend, deps.Liveness)

	var source collector.Source
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		prefix := fmt.Sprintf("boop-submitter-%d", chainID.Uint64())
		processing := store.NewProcessingSet(redisClient, submitterConfig.SubmitTimeout+submitterConfig.ReceiptTimeout, prefix+"-processing", *instanceIDPtr)
		queue := intentqueue.NewRedisQueue(logger, redisClient, intentqueue.InstanceQueueName(prefix, processing.Owner()), queueConfig)
		deps.Pool, source = queue, queue
		deps.Processing = processing
		logger.Info("Using redis", zap.String("instance", processing.Owner()))
		deps.Replacements = redisadapter.NewReplacementCache(redisClient, time.Hour, prefix+"-replacements")
	} else {
		logger.Warn("No redis endpoint, using an in-memory intent queue")
		queue := intentqueue.NewMemoryQueue(queueConfig)
		deps.Pool, source = queue, queue
	}

	if *simEndpointsPtr != "" {
		deps.Simulator = simulator.NewJSONRPCSimulator(strings.Split(*simEndpointsPtr, ",")...)
	} else {
		deps.Simulator = &simulator.ClientSimulator{Client: ethBackend}
	}

	engine, err := submitter.New(logger, submitterConfig, chainID, deps)
	if err != nil {
		logger.Fatal("Failed to create submitter", zap.Error(err))
	}
	coll := collector.New(logger, engine, repo, deps.BoopNonces, deps.ExecutorNonces, source)
	engine.SetTrigger(coll)

	hooksWg := subscribeHooks(ctx, logger, deps.Hub)

	engine.OnNewBlock(ctx, head)
	recovered, err := engine.Recover(ctx)
	if err != nil {
		logger.Fatal("Failed to recover unfinished boops", zap.Error(err))
	}
	logger.Info("Recovered boops", zap.Int("count", recovered))

	engineWg, err := engine.Start(ctx)
	if err != nil {
		logger.Fatal("Failed to start submitter", zap.Error(err))
	}
	collectorWg, err := coll.Start(ctx, deps.Hub.Blocks)
	if err != nil {
		logger.Fatal("Failed to start collector", zap.Error(err))
	}
	trackerWg, err := deps.Tracker.Start(ctx, deps.Hub.Blocks)
	if err != nil {
		logger.Fatal("Failed to start receipt tracker", zap.Error(err))
	}
	pollInterval := time.Duration(mustParseUint(logger, "block poll interval", *pollIntervalPtr)) * time.Millisecond
	monitorWg := blockmonitor.NewMonitor(logger, ethBackend, deps.Hub.Blocks, deps.Liveness, pollInterval, oracle.OnNewBlock).Start(ctx)

	rateLimit, err := strconv.ParseFloat(*simulateRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse simulate rate limit", zap.Error(err))
	}
	apiConfig := api.DefaultConfig()
	apiConfig.SimulateRateLimit = rate.Limit(rateLimit)
	boopAPI := api.NewAPI(logger, engine, apiConfig)

	jsonRPCServer, err := jsonrpcserver.NewHandler(boopAPI.Methods())
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/", jsonRPCServer)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !deps.Liveness.IsAlive() {
			http.Error(w, "rpc is down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		ctxCancel()
		close(connectionsClosed)
	}()

	logger.Info("Listening", zap.String("port", *portPtr))
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	monitorWg.Wait()
	collectorWg.Wait()
	trackerWg.Wait()
	engineWg.Wait()
	engine.Wait()
	deps.Hub.Shutdown()
	hooksWg.Wait()
}

// subscribeHooks logs state changes and failed state saves.
func subscribeHooks(ctx context.Context, logger *zap.Logger, hub *events.Hub) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	statusCh, err := hub.StatusChange.Subscribe("log")
	if err != nil {
		logger.Fatal("Failed to subscribe to status changes", zap.Error(err))
	}
	saveCh, err := hub.SaveFailed.Subscribe("log")
	if err != nil {
		logger.Fatal("Failed to subscribe to save failures", zap.Error(err))
	}
	log := logger.Named("hooks")

	wg.Add(2)
	go func() {
		defer wg.Done()
		for change := range statusCh {
			log.Debug("Boop state changed", zap.String("boopHash", change.BoopHash.Hex()),
				zap.String("from", string(change.From)), zap.String("to", string(change.To)))
		}
	}()
	go func() {
		defer wg.Done()
		for failure := range saveCh {
			log.Error("Boop state was not saved", zap.String("boopHash", failure.BoopHash.Hex()),
				zap.String("txHash", failure.TxHash.Hex()), zap.Error(failure.Err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = hub.StatusChange.Unsubscribe("log")
		_ = hub.SaveFailed.Unsubscribe("log")
	}()
	return wg
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func mustParseUint(logger *zap.Logger, name, value string) uint64 {
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		logger.Fatal("Failed to parse "+name, zap.String("value", value), zap.Error(err))
	}
	return n
}

func mustParseBig(logger *zap.Logger, name, value string) *big.Int {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		logger.Fatal("Failed to parse "+name, zap.String("value", value))
	}
	return n
}
