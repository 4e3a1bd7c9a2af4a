package sip

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/wirepbx/wirepbx/internal/audio"
	"github.com/wirepbx/wirepbx/internal/call"
	"github.com/wirepbx/wirepbx/internal/config"
	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/media"
	"github.com/wirepbx/wirepbx/internal/voicemail"
)

// Server is the SIP core: one UDP listener handling registration,
// call setup and teardown, and the voicemail paths.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	ua  *sipgo.UserAgent
	srv *sipgo.Server

	calls     *call.Manager
	registrar *Registrar
	auth      *Authenticator
	router    *Router
	dialer    *Dialer
	allocator *media.PortAllocator
	relays    *media.RelayManager
	sessions  *SessionTable
	store     *voicemail.Store
	invite    *InviteHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds the SIP server and all its collaborators from the
// configuration and the repository set.
func NewServer(cfg *config.Config, repos *database.Repositories, logger *slog.Logger) (*Server, error) {
	allocator, err := media.NewPortAllocator(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return nil, fmt.Errorf("creating port allocator: %w", err)
	}

	calls := call.NewManager(logger)
	calls.OnEnd = func(rec call.Record) {
		cdr := &models.CDR{
			CallID:      rec.CallID,
			FromExt:     rec.FromExt,
			ToExt:       rec.ToExt,
			StartTime:   rec.StartedAt,
			Duration:    rec.DurationSeconds,
			Disposition: string(rec.Disposition),
		}
		if !rec.AnsweredAt.IsZero() {
			cdr.AnswerTime = sql.NullTime{Time: rec.AnsweredAt, Valid: true}
		}
		if !rec.EndedAt.IsZero() {
			cdr.EndTime = sql.NullTime{Time: rec.EndedAt, Valid: true}
		}
		if err := repos.CDRs.Create(context.Background(), cdr); err != nil {
			logger.Error("failed to persist cdr", "call_id", rec.CallID, "error", err)
		}
	}

	router, err := NewRouter(cfg.InternalPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling internal pattern: %w", err)
	}

	auth := NewAuthenticator(repos.Extensions, GuardConfig{
		Window:    time.Duration(cfg.RegisterFailWindowSeconds) * time.Second,
		Threshold: cfg.RegisterFailThreshold,
		BlockFor:  time.Duration(cfg.RegisterBlockSeconds) * time.Second,
	}, logger)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("wirepbx"))
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger.With("subsystem", "sip")))
	if err != nil {
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	dialer, err := NewDialer(ua, logger)
	if err != nil {
		return nil, fmt.Errorf("creating dialer: %w", err)
	}

	relays := media.NewRelayManager(allocator, logger)
	sessions := NewSessionTable(logger)

	// The sweeper has already stopped the relay and released its ports
	// when this fires; the call and session get the same teardown a BYE
	// would give them, minus the relay stop. The call is ended before
	// the workers are cancelled so a returning worker sees the call
	// inactive and does not hang up again.
	relays.OnIdle = func(callID string) {
		sess := sessions.Remove(callID)
		calls.EndByID(callID, call.DispositionAnswered)
		if sess == nil {
			return
		}
		sess.CancelRing()
		sess.StopWorker()
		sess.releaseMedia(allocator)
	}

	registrar := NewRegistrar(auth, logger)
	store := voicemail.NewStore(cfg.DataDir, repos, logger)
	prompts := audio.NewPrompts(cfg.PromptDir, logger)

	invite := NewInviteHandler(
		InviteConfig{
			MediaIP:         cfg.MediaIP(),
			SIPPort:         cfg.SIPPort,
			NoAnswer:        time.Duration(cfg.NoAnswerSeconds) * time.Second,
			MaxRecord:       time.Duration(cfg.MaxRecordSeconds) * time.Second,
			DTMFDebounce:    time.Duration(cfg.DTMFDebounceMs) * time.Millisecond,
			ILBCMode:        cfg.ILBCMode,
			DTMFPayloadType: cfg.DTMFPayloadType,
		},
		repos.Extensions,
		calls,
		registrar,
		auth,
		router,
		dialer,
		allocator,
		relays,
		sessions,
		prompts,
		store,
		logger,
	)

	s := &Server{
		cfg:       cfg,
		logger:    logger.With("subsystem", "sip-server"),
		ua:        ua,
		srv:       srv,
		calls:     calls,
		registrar: registrar,
		auth:      auth,
		router:    router,
		dialer:    dialer,
		allocator: allocator,
		relays:    relays,
		sessions:  sessions,
		store:     store,
		invite:    invite,
	}

	srv.OnRegister(registrar.HandleRegister)
	srv.OnInvite(invite.HandleInvite)
	srv.OnAck(s.handleAck)
	srv.OnBye(invite.HandleBye)
	srv.OnCancel(invite.HandleCancel)
	srv.OnInfo(invite.HandleInfo)
	srv.OnOptions(s.handleOptions)

	return s, nil
}

// Start begins serving SIP over UDP and launches the background
// sweepers. It returns once the listener is running.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	s.logger.Info("starting sip server",
		"addr", addr,
		"media_ip", s.cfg.MediaIP(),
		"rtp_range", fmt.Sprintf("%d-%d", s.cfg.RTPPortMin, s.cfg.RTPPortMax),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
			s.logger.Error("sip listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.RunExpiryCleanup(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.calls.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relays.Run(ctx)
	}()

	return nil
}

// Stop shuts the listener and background workers down.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.dialer.Close()
	if err := s.srv.Close(); err != nil {
		s.logger.Error("closing sip server", "error", err)
	}
	if err := s.ua.Close(); err != nil {
		s.logger.Error("closing user agent", "error", err)
	}
	s.wg.Wait()
	s.logger.Info("sip server stopped")
}

// handleOptions answers keepalive probes with our capabilities.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS, REGISTER, INFO"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleAck logs the dialog confirmation; the 2xx retransmission timer
// is the transaction layer's concern.
func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("ack received", "call_id", callIDOf(req), "source", req.Source())
}

// Calls exposes the call manager for the operational API.
func (s *Server) Calls() *call.Manager { return s.calls }

// Registrar exposes the binding table for the operational API.
func (s *Server) Registrar() *Registrar { return s.registrar }

// Relays exposes the relay manager for the operational API.
func (s *Server) Relays() *media.RelayManager { return s.relays }

// Allocator exposes the RTP port allocator for the operational API.
func (s *Server) Allocator() *media.PortAllocator { return s.allocator }

// Guard exposes the brute-force guard for the operational API.
func (s *Server) Guard() *BruteForceGuard { return s.auth.BruteForceGuard() }
