package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/vctt94/bisonbotkit"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"
	"golang.org/x/sync/errgroup"

	"github.com/vctt94/quizbot-bisonrelay/fiber"
	"github.com/vctt94/quizbot-bisonrelay/llm"
	"github.com/vctt94/quizbot-bisonrelay/server"
)

var (
	datadir = flag.String("datadir", "", "Directory to load config file from")
)

func realMain() error {
	flag.Parse()

	dir := *datadir
	if dir == "" {
		dir = utils.AppDataDir("quizbot", false)
	}
	cfg, err := LoadQuizBotConfig(dir, "quizbot.conf")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBackend, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(dir, "logs", "quizbot.log"),
		DebugLevel:     cfg.Debug,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logBackend.Logger("QZBT")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Inbound channels the BR bot feeds and the server drains.
	pmChan := make(chan types.ReceivedPM)
	gcChan := make(chan types.GCReceivedMsg)
	tipChan := make(chan types.ReceivedTip)
	cfg.PMChan = pmChan
	cfg.GCChan = gcChan
	cfg.TipReceivedChan = tipChan

	bot, err := bisonbotkit.NewBot(cfg.BotConfig, logBackend)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	fiberClient, err := fiber.NewClient(cfg.FiberRPCURL, logBackend.Logger("Fiber"))
	if err != nil {
		return fmt.Errorf("create fiber client: %w", err)
	}
	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ni, err := fiberClient.NodeInfo(nctx)
	cancel()
	if err != nil {
		log.Warnf("Fiber node not reachable at startup: %v", err)
	} else {
		log.Infof("Connected to fiber node %s (%d channels)", ni.NodeName, ni.ChannelCount)
	}

	llmClient, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLMURL,
		APIKey:  cfg.LLMKey,
		Model:   cfg.LLMModel,
		Log:     logBackend.Logger("LLM"),
	})
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}

	srv, err := server.NewServer(server.ServerConfig{
		ServerDir:       dir,
		Bot:             bot,
		Extractor:       llm.NewExtractor(llmClient, logBackend.Logger("LLM")),
		Channel:         fiberClient,
		LogBackend:      logBackend,
		DebugLevel:      cfg.Debug,
		Knowledge:       cfg.Knowledge,
		RewardThreshold: cfg.RewardThreshold,
		ExtractTimeout:  cfg.ExtractTimeout,
		PaymentTimeout:  cfg.PaymentTimeout,
		PMChan:          pmChan,
		GCChan:          gcChan,
		TipChan:         tipChan,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	log.Infof("Quizbot running, data dir %s", dir)
	return g.Wait()
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
