package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/echelonworks/echelond/internal/agent"
	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/config"
	"github.com/echelonworks/echelond/internal/crypto"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/engine"
	"github.com/echelonworks/echelond/internal/export"
	"github.com/echelonworks/echelond/internal/feed"
	"github.com/echelonworks/echelond/internal/notify"
	"github.com/echelonworks/echelond/internal/orchestrator"
	"github.com/echelonworks/echelond/internal/platform"
	"github.com/echelonworks/echelond/internal/platform/kalshi"
	"github.com/echelonworks/echelond/internal/platform/polymarket"
	"github.com/echelonworks/echelond/internal/server"
	"github.com/echelonworks/echelond/internal/server/handler"
	"github.com/echelonworks/echelond/internal/server/ws"
	"github.com/echelonworks/echelond/internal/signal"
	"github.com/echelonworks/echelond/internal/timeline"
)

// FullMode runs everything: feed ingestion, the market engine, the fork
// registry, the agent scheduler, the mode supervisor, the orchestrator,
// background reapers and the HTTP surface.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	rootID, err := a.ensureRootTimeline(ctx, deps)
	if err != nil {
		return err
	}
	if err := a.seedAgents(ctx, deps, rootID); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	sigSvc := a.signalService(deps)
	eng := a.marketEngine(deps)
	reg := a.timelineRegistry(deps, eng)
	sup := a.supervisor(deps)
	eng.SetModeReader(sup.State)
	reg.SetModeReader(sup.State)

	var sched *agent.Scheduler
	var term orchestrator.SaboteurTerminator
	if a.cfg.Agents.Enabled {
		sched = a.scheduler(deps, sigSvc, eng)
		sched.SetModeReader(sup.State)
		term = sched
	}

	orch := a.orchestrator(deps, eng, term, sup, rootID)
	eng.SetHaltChannel(orch.HaltChannel())
	eng.SetHaltReader(orch.Halted)

	venues := a.venueClients(ctx, deps)
	if sched != nil && venues != nil {
		sched.SetVenues(venues)
	}
	a.ensureVenueMarkets(ctx, deps, eng, rootID, venues)

	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	if sched != nil {
		g.Go(func() error { return sched.Run(ctx) })
	}

	a.startFeeds(ctx, g, deps, sigSvc, venues)
	a.startBackground(ctx, g, deps, reg, sigSvc)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng, reg, sup, orch)
	}

	return g.Wait()
}

// IngestMode runs feed ingestion and the signal store only. The engine,
// agents and the HTTP surface stay down; another process serves those.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	g, ctx := errgroup.WithContext(ctx)

	sigSvc := a.signalService(deps)
	a.startFeeds(ctx, g, deps, sigSvc, a.venueClients(ctx, deps))

	reaper := signal.NewReaper(sigSvc, deps.Markets, a.cfg.Signals.RetentionDays,
		a.cfg.Signals.PruneInterval.Duration, a.logger)
	g.Go(func() error { return reaper.Run(ctx) })

	a.startEventSinks(ctx, g, deps)

	return g.Wait()
}

// ServeMode runs the HTTP surface, the engine, the fork registry, the
// supervisor and the orchestrator. No feeds and no agents; feed health
// is read from the shared store, so a separate ingest process keeps the
// supervisor honest.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	rootID, err := a.ensureRootTimeline(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	sigSvc := a.signalService(deps)
	eng := a.marketEngine(deps)
	reg := a.timelineRegistry(deps, eng)
	sup := a.supervisor(deps)
	eng.SetModeReader(sup.State)
	reg.SetModeReader(sup.State)

	orch := a.orchestrator(deps, eng, nil, sup, rootID)
	eng.SetHaltChannel(orch.HaltChannel())
	eng.SetHaltReader(orch.Halted)

	g.Go(func() error { return sup.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })

	a.startBackground(ctx, g, deps, reg, sigSvc)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng, reg, sup, orch)
	} else {
		a.logger.WarnContext(ctx, "serve mode with server.enabled=false, nothing listens")
	}

	return g.Wait()
}

// ReplayMode drains the archived bundles from blob storage and then the
// mirrored event stream back through the bus into the episode exporter,
// exiting once both are exhausted. The archive goes first; stream events
// already covered by a bundle are skipped by sequence number.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode")

	g, ctx := errgroup.WithContext(ctx)
	rctx, stop := context.WithCancel(ctx)
	defer stop()

	exp := export.New(a.cfg.Export, deps.Clock, deps.BlobWriter, deps.Bus, deps.Metrics, a.logger)
	g.Go(func() error {
		if err := exp.Run(rctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		defer stop()
		var floor uint64
		if deps.BlobReader != nil {
			seq, n, err := export.Replay(rctx, deps.BlobReader, a.cfg.Export.Prefix, deps.Bus, a.logger)
			if err != nil {
				return fmt.Errorf("app: replay archive: %w", err)
			}
			floor = seq
			a.logger.InfoContext(rctx, "archive replayed",
				slog.Int("events", n), slog.Uint64("through_seq", seq))
		}
		n, err := a.replayMirror(rctx, deps, floor)
		if err != nil {
			return fmt.Errorf("app: replay: %w", err)
		}
		a.logger.InfoContext(rctx, "replay complete", slog.Int("events", n))
		// Let the exporter observe the tail before it final-flushes.
		select {
		case <-rctx.Done():
		case <-time.After(time.Second):
		}
		return nil
	})

	return g.Wait()
}

// replayMirror republishes every event on the durable stream in order,
// skipping sequence numbers at or below floor, which the archive replay
// already covered. Publishing reassigns sequence numbers; bundle
// idempotency on the far side keys on the new monotone range.
func (a *App) replayMirror(ctx context.Context, deps *Dependencies, floor uint64) (int, error) {
	var total int
	lastID := "0"
	for {
		msgs, err := deps.Mirror.StreamRead(ctx, bus.EventStream, lastID, 256)
		if err != nil {
			return total, err
		}
		if len(msgs) == 0 {
			return total, nil
		}
		for _, msg := range msgs {
			var evt domain.Event
			if uerr := json.Unmarshal(msg.Payload, &evt); uerr != nil {
				a.logger.WarnContext(ctx, "skipping undecodable mirrored event",
					slog.String("stream_id", msg.ID),
					slog.String("error", uerr.Error()))
				continue
			}
			if evt.Seq != 0 && evt.Seq <= floor {
				continue
			}
			deps.Bus.Publish(evt)
			total++
		}
		lastID = msgs[len(msgs)-1].ID
	}
}

// signalService builds the signal store facade.
func (a *App) signalService(deps *Dependencies) *signal.Service {
	return signal.New(signal.Config{
		DedupTTL:      a.cfg.Signals.DedupTTL.Duration,
		RecencyKeep:   a.cfg.Signals.RecencyKeep,
		QueryLimitMax: a.cfg.Signals.QueryLimitMax,
	}, deps.Clock, deps.Signals, deps.FeedStatus, deps.Recency, deps.Dedup,
		deps.FeedCache, deps.Bus, deps.Metrics, a.logger)
}

// marketEngine builds the CPMM engine.
func (a *App) marketEngine(deps *Dependencies) *engine.Engine {
	return engine.New(engine.Config{
		QuoteValid:           a.cfg.Engine.QuoteValid.Duration,
		IdemRetention:        a.cfg.Engine.IdemRetention.Duration,
		SlippageToleranceBps: a.cfg.Engine.SlippageToleranceBps,
		MinPositionUSD:       a.cfg.Engine.MinPositionUSD,
		MaxPositionUSD:       a.cfg.Engine.MaxPositionUSD,
		DisputeWindow:        a.cfg.Timelines.DisputeWindow.Duration,
	}, deps.Clock, deps.Markets, deps.Trades, deps.Positions, deps.Timelines,
		deps.Idem, deps.Bus, deps.Metrics, a.logger)
}

// timelineRegistry builds the fork registry with the engine as voider.
func (a *App) timelineRegistry(deps *Dependencies, eng *engine.Engine) *timeline.Registry {
	return timeline.New(timeline.Config{
		DefaultDuration:  a.cfg.Timelines.DefaultDuration.Duration,
		VRFFresh:         a.cfg.Timelines.VRFFresh.Duration,
		MaxForksPerOwner: a.cfg.Timelines.MaxForksPerOwner,
		ReapInterval:     a.cfg.Timelines.ReapInterval.Duration,
	}, deps.Clock, deps.Timelines, deps.Markets, deps.Positions, deps.Locks,
		eng, deps.Bus, deps.Metrics, a.logger)
}

// supervisor builds the degraded-mode supervisor with the production
// dwell thresholds and the configured check cadence.
func (a *App) supervisor(deps *Dependencies) *orchestrator.Supervisor {
	cfg := orchestrator.DefaultSupervisorConfig()
	cfg.CheckInterval = a.cfg.Supervisor.CheckInterval.Duration
	return orchestrator.NewSupervisor(cfg, deps.Clock, deps.FeedStatus, deps.Modes,
		deps.Bus, deps.Metrics, a.logger)
}

// scheduler builds the agent scheduler.
func (a *App) scheduler(deps *Dependencies, sigSvc *signal.Service, eng *engine.Engine) *agent.Scheduler {
	cfg := agent.DefaultConfig()
	cfg.TickBase = a.cfg.Agents.Tick.Duration
	cfg.FairnessShare = a.cfg.Agents.FairnessShare
	cfg.SabotageCapPerHour = a.cfg.Agents.SabotageCapPerHour
	cfg.PnLFloor = a.cfg.Agents.PnLFloorUSD
	cfg.InactivityLimit = time.Duration(a.cfg.Agents.InactivityDays) * 24 * time.Hour
	cfg.Policies.ExclusiveWindow = a.cfg.Agents.ExclusiveWindow.Duration
	cfg.Policies.StabilityDelta = a.cfg.Agents.StabilityDelta
	return agent.New(cfg, deps.Clock, deps.Agents, deps.Markets, deps.Timelines,
		sigSvc, eng, deps.Bus, deps.Metrics, a.logger)
}

// orchestrator builds the event-loop orchestrator. term may be nil when
// no scheduler runs in this process.
func (a *App) orchestrator(
	deps *Dependencies,
	eng *engine.Engine,
	term orchestrator.SaboteurTerminator,
	sup *orchestrator.Supervisor,
	rootID string,
) *orchestrator.Orchestrator {
	cfg := orchestrator.DefaultConfig(rootID)
	cfg.SeedLiquidity = a.cfg.Engine.DefaultSeedLiquidity
	cfg.ParadoxOpenGap = a.cfg.Timelines.ParadoxOpenGap
	cfg.ParadoxCloseGap = a.cfg.Timelines.ParadoxCloseGap
	cfg.ParadoxExtractWindow = a.cfg.Timelines.ParadoxExtractWindow.Duration
	return orchestrator.New(cfg, deps.Clock, eng, deps.Markets, deps.Timelines,
		deps.Paradoxes, deps.Agents, term, sup, deps.Bus, deps.Metrics, a.logger)
}

// startFeeds launches the poll manager and one streaming consumer per
// venue client with configured market refs. venues may be nil when the
// platform adapter is down or disabled.
func (a *App) startFeeds(ctx context.Context, g *errgroup.Group, deps *Dependencies, sigSvc *signal.Service, venues map[domain.VenueName]domain.Venue) {
	pollSources, venueRefs := splitVenueSources(a.cfg.Signals.Sources)

	mgr := feed.NewManager(feed.FromConfig(pollSources, deps.Clock.Now()), sigSvc, deps.Clock, a.logger)
	g.Go(func() error { return mgr.Run(ctx) })

	if venues == nil {
		if len(venueRefs) > 0 {
			a.logger.WarnContext(ctx, "venue feed sources configured but no venue clients available",
				slog.Int("sources", len(venueRefs)))
		}
		return
	}
	for name, v := range venues {
		topics := venueRefs[name]
		if len(topics) == 0 {
			continue
		}
		vs := feed.NewVenueStream(v, topics, sigSvc, deps.Clock, a.logger)
		g.Go(func() error { return vs.Run(ctx) })
	}
}

// venueClients builds the venue adapters when the platform is enabled.
// A build failure downgrades the process to internal-only operation
// instead of failing boot.
func (a *App) venueClients(ctx context.Context, deps *Dependencies) map[domain.VenueName]domain.Venue {
	if !a.cfg.Platform.Enabled {
		return nil
	}
	venues, err := a.buildVenues(deps)
	if err != nil {
		a.logger.ErrorContext(ctx, "platform adapter unavailable",
			slog.String("error", err.Error()))
		return nil
	}
	return venues
}

// ensureVenueMarkets opens a venue-bound mirror market on the root
// timeline for every streamed venue source that lacks one, so agent
// orders on those topics route externally. Failures are logged and the
// boot continues; the topic simply trades internally.
func (a *App) ensureVenueMarkets(ctx context.Context, deps *Dependencies, eng *engine.Engine, rootID string, venues map[domain.VenueName]domain.Venue) {
	if venues == nil {
		return
	}
	_, venueRefs := splitVenueSources(a.cfg.Signals.Sources)
	for venue, refs := range venueRefs {
		if _, ok := venues[venue]; !ok {
			continue
		}
		for ref, topic := range refs {
			if err := a.ensureBoundMarket(ctx, deps, eng, rootID, venue, ref, topic); err != nil {
				a.logger.WarnContext(ctx, "venue mirror market unavailable",
					slog.String("venue", string(venue)),
					slog.String("market_ref", ref),
					slog.String("topic", topic),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (a *App) ensureBoundMarket(ctx context.Context, deps *Dependencies, eng *engine.Engine, rootID string, venue domain.VenueName, ref, topic string) error {
	open, err := deps.Markets.ListOpenByTopic(ctx, topic)
	if err != nil {
		return err
	}
	for _, m := range open {
		if m.ExternalVenue == venue && m.ExternalRef == ref {
			return nil
		}
	}
	question := fmt.Sprintf("Will %s resolve positively?", strings.ReplaceAll(topic, "_", " "))
	m, err := eng.CreateMarket(ctx, rootID, topic, question, []string{"Yes", "No"},
		a.cfg.Engine.DefaultSeedLiquidity)
	if err != nil {
		return err
	}
	if _, err := eng.BindExternal(ctx, m.ID, venue, ref); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "venue mirror market bound",
		slog.String("market_id", m.ID),
		slog.String("venue", string(venue)),
		slog.String("market_ref", ref))
	return nil
}

// splitVenueSources separates plain pollable sources from venue-streamed
// market data. A market_data source tagged "<venue>:<name>" is consumed
// over the venue's WebSocket adapter instead of HTTP polling; its url
// field carries the venue market ref and topics[0] the signal topic.
func splitVenueSources(sources []config.FeedSource) ([]config.FeedSource, map[domain.VenueName]map[string]string) {
	var poll []config.FeedSource
	refs := make(map[domain.VenueName]map[string]string)
	for _, src := range sources {
		venue, ok := venueFor(src)
		if !ok {
			poll = append(poll, src)
			continue
		}
		topic := "market_flow"
		if len(src.Topics) > 0 {
			topic = src.Topics[0]
		}
		if refs[venue] == nil {
			refs[venue] = make(map[string]string)
		}
		refs[venue][src.URL] = topic
	}
	return poll, refs
}

func venueFor(src config.FeedSource) (domain.VenueName, bool) {
	if domain.FeedCategory(src.Category) != domain.FeedCategoryMarketData {
		return "", false
	}
	prefix, _, found := strings.Cut(src.Tag, ":")
	if !found {
		return "", false
	}
	switch v := domain.VenueName(prefix); v {
	case domain.VenuePolymarket, domain.VenueKalshi:
		return v, true
	default:
		return "", false
	}
}

// buildVenues constructs the external venue clients behind their shared
// rate-limited transports and the attribution side-channel.
func (a *App) buildVenues(deps *Dependencies) (map[domain.VenueName]domain.Venue, error) {
	pcfg := a.cfg.Platform
	attr := platform.NewAttributor(pcfg.BuilderCode, deps.Attribution, deps.Bus, deps.Clock, a.logger)

	var creds crypto.Credentials
	if pcfg.CredentialsPath != "" {
		var err error
		creds, err = crypto.LoadCredentials(pcfg.CredentialsPath, pcfg.CredentialsPassword)
		if err != nil {
			return nil, fmt.Errorf("app: load credentials: %w", err)
		}
	}

	var polyAuth *crypto.HMACAuth
	if creds.PolymarketKey != "" {
		polyAuth = creds.PolymarketAuth()
	}
	polyTr := platform.NewTransport(domain.VenuePolymarket,
		platform.WindowLimits(pcfg.RateLimitPoly, time.Minute),
		deps.Clock, deps.Metrics, a.logger)
	poly := polymarket.New(polymarket.Config{
		GammaURL: pcfg.Polymarket.GammaHost,
		ClobURL:  pcfg.Polymarket.ClobHost,
		WSURL:    pcfg.Polymarket.WsHost,
	}, polyTr, attr, polyAuth, deps.Clock, a.logger)

	apiKeyID := creds.KalshiAPIKey
	if apiKeyID == "" {
		apiKeyID = pcfg.Kalshi.ApiKey
	}
	kalTr := platform.NewTransport(domain.VenueKalshi,
		platform.WindowLimits(pcfg.RateLimitKalshi, time.Second),
		deps.Clock, deps.Metrics, a.logger)
	kal := kalshi.New(kalshi.Config{
		BaseURL:  pcfg.Kalshi.BaseURL,
		WSURL:    pcfg.Kalshi.WsURL,
		APIKeyID: apiKeyID,
	}, kalTr, attr, deps.Clock, a.logger)

	pem := []byte(creds.KalshiPrivateKeyPEM)
	if len(pem) == 0 && pcfg.Kalshi.RsaPrivateKeyPath != "" {
		raw, err := os.ReadFile(pcfg.Kalshi.RsaPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("app: read kalshi private key: %w", err)
		}
		pem = raw
	}
	if len(pem) > 0 {
		if err := kal.SetRSAPrivateKey(pem); err != nil {
			return nil, fmt.Errorf("app: kalshi private key: %w", err)
		}
	}

	return map[domain.VenueName]domain.Venue{
		domain.VenuePolymarket: poly,
		domain.VenueKalshi:     kal,
	}, nil
}

// startBackground launches the reapers, the event mirror, the notify
// relay and the episode exporter.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies, reg *timeline.Registry, sigSvc *signal.Service) {
	tr := timeline.NewReaper(reg, a.cfg.Timelines.ReapInterval.Duration, a.logger)
	g.Go(func() error { return tr.Run(ctx) })

	sr := signal.NewReaper(sigSvc, deps.Markets, a.cfg.Signals.RetentionDays,
		a.cfg.Signals.PruneInterval.Duration, a.logger)
	g.Go(func() error { return sr.Run(ctx) })

	a.startEventSinks(ctx, g, deps)
}

// startEventSinks launches the bus consumers that run in every
// long-lived mode: the redis mirror, the notify relay and, when
// enabled, the episode exporter.
func (a *App) startEventSinks(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	mirror := bus.NewMirror(deps.Bus, deps.Mirror, a.logger)
	g.Go(func() error { return mirror.Run(ctx) })

	relay := notify.NewRelay(deps.Notifier, deps.Bus, a.logger)
	g.Go(func() error { return relay.Run(ctx) })

	if a.cfg.Export.Enabled && deps.BlobWriter != nil {
		exp := export.New(a.cfg.Export, deps.Clock, deps.BlobWriter, deps.Bus, deps.Metrics, a.logger)
		g.Go(func() error { return exp.Run(ctx) })
	}
}

// startHTTPServer registers the HTTP surface and the /stream hub.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	eng *engine.Engine,
	reg *timeline.Registry,
	sup *orchestrator.Supervisor,
	orch *orchestrator.Orchestrator,
) {
	hub := ws.NewHub(deps.Bus, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	var halted func() bool
	if orch != nil {
		halted = orch.Halted
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(time.Time{}, a.logger),
		Markets:   handler.NewMarketHandler(eng, a.logger),
		Timelines: handler.NewTimelineHandler(reg, a.logger),
		Agents:    handler.NewAgentHandler(deps.Agents, a.logger),
		Mode:      handler.NewModeHandler(sup.State, deps.Modes, halted, a.logger),
		VRF:       handler.NewVRFHandler(deps.Clock, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}, hub, a.logger)

	g.Go(func() error { return srv.Start() })
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// ensureRootTimeline finds the prime timeline or creates it on first
// boot. Every hot-topic market the orchestrator opens lands there.
func (a *App) ensureRootTimeline(ctx context.Context, deps *Dependencies) (string, error) {
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		tls, err := deps.Timelines.ListActive(ctx, domain.ListOpts{Limit: pageSize, Offset: offset})
		if err != nil {
			return "", fmt.Errorf("app: list timelines: %w", errors.Join(ErrBoot, err))
		}
		for _, t := range tls {
			if t.ParentID == "" {
				return t.ID, nil
			}
		}
		if len(tls) < pageSize {
			break
		}
	}

	now := deps.Clock.Now()
	root := domain.Timeline{
		ID:         uuid.NewString(),
		Visibility: domain.TimelineGlobalOnChain,
		Capital:    domain.CapitalModeReal,
		Premise:    "baseline reality",
		Stability:  1,
		Status:     domain.TimelineStatusActive,
		ForkedAt:   now,
		UpdatedAt:  now,
	}
	if err := deps.Timelines.Create(ctx, root); err != nil {
		return "", fmt.Errorf("app: create root timeline: %w", errors.Join(ErrBoot, err))
	}
	a.logger.InfoContext(ctx, "created root timeline", slog.String("timeline_id", root.ID))
	if deps.Audit != nil {
		if err := deps.Audit.Log(ctx, "timeline.root_created", map[string]any{"timeline_id": root.ID}); err != nil {
			a.logger.WarnContext(ctx, "audit write failed", slog.String("error", err.Error()))
		}
	}
	return root.ID, nil
}

// seedAgents populates the starting roster on first boot: one agent per
// archetype, watching whatever topics the configured feeds publish.
func (a *App) seedAgents(ctx context.Context, deps *Dependencies, rootID string) error {
	if !a.cfg.Agents.Enabled {
		return nil
	}
	live, err := deps.Agents.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("app: list agents: %w", errors.Join(ErrBoot, err))
	}
	if len(live) > 0 {
		return nil
	}

	interests := seedInterests(a.cfg.Signals.Sources)
	now := deps.Clock.Now()
	for _, arch := range domain.Archetypes {
		ag := domain.Agent{
			ID:        uuid.NewString(),
			Name:      "prime-" + string(arch),
			Archetype: arch,
			Status:    domain.AgentStatusLive,
			Traits: domain.AgentTraits{
				Aggression:   0.3 + 0.4*deps.Clock.Uniform(),
				Patience:     0.3 + 0.4*deps.Clock.Uniform(),
				RiskAppetite: 0.3 + 0.4*deps.Clock.Uniform(),
			},
			Sanity:         100,
			BudgetUSD:      a.cfg.Agents.DefaultBudgetUSD,
			Interests:      interests,
			Generation:     0,
			LastObservedAt: now,
			CreatedAt:      now,
		}
		if err := deps.Agents.Create(ctx, ag); err != nil {
			return fmt.Errorf("app: seed agent %s: %w", ag.Name, err)
		}
	}
	a.logger.InfoContext(ctx, "seeded starting agent roster",
		slog.Int("agents", len(domain.Archetypes)),
		slog.String("root_timeline", rootID))
	return nil
}

// seedInterests collects the distinct normalized topics across every
// configured source.
func seedInterests(sources []config.FeedSource) []string {
	seen := make(map[string]bool)
	var out []string
	for _, src := range sources {
		for _, topic := range src.Topics {
			norm := signal.NormalizeTopic(topic)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			out = append(out, norm)
		}
	}
	return out
}
