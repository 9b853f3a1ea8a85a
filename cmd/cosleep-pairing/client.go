package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/config"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/negotiation"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

var (
	clientServerURL string
	clientAPIKey    string
	clientToken     string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Join the queue and negotiate a voice session; useful for soak testing a server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient()
	},
}

func init() {
	clientCmd.Flags().StringVar(&clientServerURL, "url", "ws://127.0.0.1:8080/ws", "signaling WebSocket URL")
	clientCmd.Flags().StringVar(&clientAPIKey, "api-key", "", "api key for servers with AUTH_MODE=api_key")
	clientCmd.Flags().StringVar(&clientToken, "token", "", "JWT for servers with AUTH_MODE=jwt")
}

func runClient() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iceServers, err := fetchICEServers(ctx, clientServerURL)
	if err != nil {
		logger.Warn("could not fetch ice servers, continuing without", "err", err)
	}

	api, err := negotiation.NewAPI()
	if err != nil {
		return err
	}

	app := &clientApp{
		log: logger,
		cfg: cfg,
		api: api,
		ice: iceServers,
		ctx: ctx,
	}

	sig, err := signaling.DialClient(ctx, signaling.ClientOptions{
		URL:    clientServerURL,
		APIKey: clientAPIKey,
		Token:  clientToken,
		Logger: logger,
	}, signaling.ClientEvents{
		OnMatchFound:          app.onMatchFound,
		OnOffer:               func(_ string, sdp signaling.SDP) { app.withSupervisor(func(s *negotiation.Supervisor) { s.HandleOffer(sdp) }) },
		OnAnswer:              func(_ string, sdp signaling.SDP) { app.withSupervisor(func(s *negotiation.Supervisor) { s.HandleAnswer(sdp) }) },
		OnIceCandidate:        func(_ string, c signaling.Candidate) { app.withSupervisor(func(s *negotiation.Supervisor) { s.HandleIceCandidate(c) }) },
		OnPartnerDisconnected: func() { app.endSession("partner disconnected") },
		OnPartnerSkipped:      func() { app.endSession("partner skipped") },
		OnCallEnded:           func() { app.endSession("call ended") },
		OnReturnToQueue:       func() { logger.Info("returned to queue") },
		OnOnlineCount:         func(n int) { logger.Info("online", "count", n) },
		OnError:               func(code, reason string) { logger.Warn("server error", "code", code, "reason", reason) },
		OnClose:               func(err error) { logger.Info("signaling connection closed", "err", err); stop() },
	})
	if err != nil {
		return err
	}
	defer sig.Close()
	app.sig = sig

	if err := sig.JoinQueue(); err != nil {
		return fmt.Errorf("join queue: %w", err)
	}
	logger.Info("waiting for a partner")

	<-ctx.Done()
	app.endSession("shutting down")
	return nil
}

// clientApp ties signaling events to the negotiation supervisor of the
// current pairing. Pairings come and go over one signaling connection, so
// the supervisor is swapped under a mutex.
type clientApp struct {
	log *slog.Logger
	cfg config.Config
	api *webrtc.API
	ice []webrtc.ICEServer
	ctx context.Context
	sig *signaling.Client

	mu  sync.Mutex
	sup *negotiation.Supervisor
}

func (a *clientApp) onMatchFound(partnerID string, isInitiator bool) {
	a.log.Info("match found", "partner_id", partnerID, "initiator", isInitiator)

	sup, err := negotiation.NewSupervisor(negotiation.SupervisorConfig{
		PartnerID:   partnerID,
		Initiator:   isInitiator,
		Deadline:    a.cfg.NegotiationDeadline,
		MaxAttempts: a.cfg.MaxNegotiationAttempts,
		BackoffBase: a.cfg.RetryBackoffBase,
		BackoffMax:  a.cfg.RetryBackoffMax,
		Signaler:    a.sig,
		Logger:      a.log,
		NewTransport: func(cb negotiation.PionCallbacks) (negotiation.Transport, error) {
			return negotiation.NewPionTransport(a.api, a.ice, cb)
		},
	})
	if err != nil {
		a.log.Error("cannot supervise negotiation", "err", err)
		return
	}

	a.mu.Lock()
	old := a.sup
	a.sup = sup
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}

	go func() {
		err := sup.Run(a.ctx)
		switch {
		case err == nil:
			a.log.Info("voice session connected", "partner_id", partnerID)
		case errors.Is(err, negotiation.ErrNegotiationFailed):
			a.log.Warn("negotiation failed, rejoining queue", "partner_id", partnerID, "err", err)
			a.dropSupervisor(sup)
			if err := a.sig.JoinQueue(); err != nil {
				a.log.Error("rejoin queue", "err", err)
			}
		case errors.Is(err, context.Canceled):
		default:
			a.log.Error("negotiation ended", "err", err)
		}
	}()
}

func (a *clientApp) endSession(reason string) {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	if sup != nil {
		a.log.Info("ending voice session", "reason", reason)
		sup.Close()
	}
}

func (a *clientApp) withSupervisor(f func(*negotiation.Supervisor)) {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup != nil {
		f(sup)
	}
}

func (a *clientApp) dropSupervisor(sup *negotiation.Supervisor) {
	a.mu.Lock()
	if a.sup == sup {
		a.sup = nil
	}
	a.mu.Unlock()
	sup.Close()
}

// fetchICEServers asks the server's /ice endpoint for STUN/TURN
// configuration, deriving the HTTP base from the WebSocket URL.
func fetchICEServers(ctx context.Context, wsURL string) ([]webrtc.ICEServer, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/ice"
	u.RawQuery = ""

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %s", u, resp.Status)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers, nil
}
