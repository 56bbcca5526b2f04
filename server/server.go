package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit/logging"

	"github.com/vctt94/quizbot-bisonrelay/fiber"
	"github.com/vctt94/quizbot-bisonrelay/quizgame"
	"github.com/vctt94/quizbot-bisonrelay/server/quizdb"
)

const botAuthor = "quizbot"

// BotInterface defines the methods the server needs from the BR bot.
type BotInterface interface {
	Run(ctx context.Context) error
	SendPM(ctx context.Context, nick string, msg string) error
	SendGC(ctx context.Context, gc string, msg string) error
	AckTipReceived(ctx context.Context, sequenceId uint64) error
}

type ServerConfig struct {
	ServerDir string

	Bot BotInterface

	// DB overrides the bolt store opened under ServerDir; tests use it.
	DB quizdb.Store

	Extractor quizgame.Extractor
	Channel   fiber.Channel

	LogBackend *logging.LogBackend
	DebugLevel string

	// Quiz policy.
	Knowledge       string
	RewardThreshold int
	Rewards         quizgame.RewardPolicy
	Currencies      fiber.CurrencyRegistry
	ExtractTimeout  time.Duration
	PaymentTimeout  time.Duration

	// Inbound channels from the bot config.
	PMChan  <-chan types.ReceivedPM
	GCChan  <-chan types.GCReceivedMsg
	TipChan <-chan types.ReceivedTip
}

// Server routes room turns through the eligibility gate, the quiz manager
// and the payment dispatcher. A room's turn is fully processed before its
// next one; rooms are independent.
type Server struct {
	sync.RWMutex

	bot        BotInterface
	log        slog.Logger
	db         quizdb.Store
	quiz       *quizgame.Manager
	exec       *fiber.Executor
	payTimeout time.Duration

	pmChan  <-chan types.ReceivedPM
	gcChan  <-chan types.GCReceivedMsg
	tipChan <-chan types.ReceivedTip

	roomMtx map[string]*sync.Mutex
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Bot == nil {
		return nil, fmt.Errorf("bot is nil")
	}
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("log backend is nil")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is nil")
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("payment channel is nil")
	}

	db := cfg.DB
	if db == nil {
		var err error
		db, err = quizdb.NewBoltDB(filepath.Join(cfg.ServerDir, "quizbot.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	log := cfg.LogBackend.Logger("Server")
	quiz, err := quizgame.NewManager(quizgame.ManagerConfig{
		Store:          db,
		Extractor:      cfg.Extractor,
		Rewards:        cfg.Rewards,
		Dispatch:       quizgame.DispatchPolicy{Threshold: cfg.RewardThreshold},
		Knowledge:      cfg.Knowledge,
		BotID:          botAuthor,
		ExtractTimeout: cfg.ExtractTimeout,
		Log:            cfg.LogBackend.Logger("Quiz"),
	})
	if err != nil {
		return nil, err
	}

	payTimeout := cfg.PaymentTimeout
	if payTimeout <= 0 {
		payTimeout = 60 * time.Second
	}

	return &Server{
		bot:        cfg.Bot,
		log:        log,
		db:         db,
		quiz:       quiz,
		exec:       fiber.NewExecutor(cfg.Channel, cfg.Currencies, cfg.LogBackend.Logger("Fiber")),
		payTimeout: payTimeout,
		pmChan:     cfg.PMChan,
		gcChan:     cfg.GCChan,
		tipChan:    cfg.TipChan,
		roomMtx:    make(map[string]*sync.Mutex),
	}, nil
}

// roomLock returns the per-room mutex, creating it on first use. The gate is
// re-evaluated under this lock at write time, so two concurrent submissions
// can never both be judged eligible against the same open question.
func (s *Server) roomLock(roomID string) *sync.Mutex {
	s.Lock()
	defer s.Unlock()
	m, ok := s.roomMtx[roomID]
	if !ok {
		m = new(sync.Mutex)
		s.roomMtx[roomID] = m
	}
	return m
}

func (s *Server) Run(ctx context.Context) error {
	go s.bot.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Shutdown(sctx); err != nil {
				s.log.Errorf("Error during server shutdown: %v", err)
			}
			return nil

		case pm := <-s.pmChan:
			s.handlePM(ctx, pm)

		case gcm := <-s.gcChan:
			s.handleGC(ctx, gcm)

		case tip := <-s.tipChan:
			// People tip the bot out of goodwill; ack so the queue
			// drains, nothing else to do with it.
			if err := s.bot.AckTipReceived(ctx, tip.SequenceId); err != nil {
				s.log.Warnf("Failed to ack tip %d: %v", tip.SequenceId, err)
			}
		}
	}
}

// Shutdown closes the database after in-flight work has finished.
func (s *Server) Shutdown(_ context.Context) error {
	s.log.Info("Closing database...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing database: %v", err)
	}
	s.log.Info("Server shut down completed.")
	return nil
}
