package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaanihealth/vaani/internal/audio"
	"github.com/vaanihealth/vaani/internal/config"
	"github.com/vaanihealth/vaani/internal/fault"
	"github.com/vaanihealth/vaani/internal/llm"
	"github.com/vaanihealth/vaani/internal/observability"
	"github.com/vaanihealth/vaani/internal/policy"
	"github.com/vaanihealth/vaani/internal/protocol"
	"github.com/vaanihealth/vaani/internal/reliability"
	"github.com/vaanihealth/vaani/internal/session"
	"github.com/vaanihealth/vaani/internal/store"
	"github.com/vaanihealth/vaani/internal/transcript"
	"github.com/vaanihealth/vaani/internal/vad"
)

const (
	turnContextLimit  = 8
	storeSaveTimeout  = 2 * time.Second
	segmentQueueDepth = 16
	sttRetryBackoff   = time.Second
)

// Orchestrator drives one voice consultation per websocket connection: VAD
// and utterance boundaries on the uplink, STT caption assembly, the brain
// turn, and synthesized audio on the downlink.
type Orchestrator struct {
	sessions  *session.Manager
	adapter   llm.Adapter
	store     store.Store
	providers *ProviderRegistry
	bridge    *Bridge
	metrics   *observability.Metrics

	vadConfig       vad.Config
	resumeGrace     time.Duration
	prefixRatio     float64
	dedupeWindow    time.Duration
	streamMinChars  int
	retryMax        int
	sendFinalAudioA bool
	finalizeTimeout time.Duration
}

func NewOrchestrator(
	sessions *session.Manager,
	adapter llm.Adapter,
	st store.Store,
	providers *ProviderRegistry,
	bridge *Bridge,
	metrics *observability.Metrics,
	cfg config.Config,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		adapter:   adapter,
		store:     st,
		providers: providers,
		bridge:    bridge,
		metrics:   metrics,
		vadConfig: vad.Config{
			SpeechThreshold:  cfg.SpeechThreshold,
			SilenceThreshold: cfg.SilenceThreshold,
			SilenceHold:      cfg.SilenceHold,
			MaxUtterance:     cfg.MaxUtterance,
		},
		resumeGrace:     cfg.ResumeGrace,
		prefixRatio:     cfg.PartialPrefixRatio,
		dedupeWindow:    cfg.FinalDedupeWindow,
		streamMinChars:  cfg.BrainStreamMinChars,
		retryMax:        cfg.ProviderRetryMax,
		sendFinalAudioA: cfg.SendFinalAudioA,
		finalizeTimeout: cfg.STTIdleTimeout,
	}
}

type turnOutcome struct {
	text       string
	spokeAudio bool
	err        error
}

// RunConnection owns the per-connection pipeline until the client leaves or a
// fatal fault occurs. The returned error, if any, carries the websocket close
// code via fault.KindOf.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	vadCtrl := vad.NewController(o.vadConfig)
	assembler := transcript.NewAssembler(o.prefixRatio)
	deduper := transcript.NewFinalDeduper(o.dedupeWindow)
	retryBudget := reliability.NewRetryBudget(o.retryMax, sttRetryBackoff)

	var (
		sttProv       STTProvider
		sttSession    STTSession
		sttEvents     <-chan STTEvent
		sttSampleRate int
		sttRetryC     <-chan time.Time
		webmMode      bool

		capturing      bool
		awaitingFinal  bool
		candidateFinal string
		lastCaption    string
		droppedBase    int

		finalizeC <-chan time.Time

		turnDone   chan turnOutcome
		turnCancel context.CancelFunc

		resumeUntil time.Time
	)

	closeSTT := func() {
		if sttSession == nil {
			return
		}
		old := sttSession
		sttSession = nil
		sttEvents = nil
		_ = old.Close()
	}
	defer closeSTT()
	defer func() {
		if turnCancel != nil {
			turnCancel()
		}
	}()

	currentSession := func() *session.Session {
		if current, err := o.sessions.Get(s.ID); err == nil {
			return current
		}
		return s
	}

	startSTT := func(sampleRate int) *fault.Fault {
		closeSTT()
		sttSampleRate = sampleRate
		current := currentSession()
		stt, _ := o.providers.Lookup(current.Provider)
		sess, events, err := stt.StartSession(ctx, s.ID, current.Language, sampleRate)
		if err != nil {
			o.metrics.ProviderErrors.WithLabelValues(stt.Name(), "stt_connect_failed").Inc()
			return fault.New(fault.KindProviderUnavailable, "stt", err)
		}
		sttProv = stt
		sttSession = sess
		sttEvents = events
		return nil
	}

	// scheduleSTTRetry arms a backoff timer handled by the main loop instead
	// of sleeping in place, so pings and control messages keep flowing while
	// the provider reconnects.
	scheduleSTTRetry := func() bool {
		wait, ok := retryBudget.Next()
		if !ok {
			return false
		}
		o.metrics.SessionEvents.WithLabelValues("stt_retry").Inc()
		closeSTT()
		sttRetryC = time.After(wait)
		return true
	}

	resetUtterance := func() {
		assembler.Reset()
		candidateFinal = ""
		lastCaption = ""
		capturing = false
		awaitingFinal = false
		webmMode = false
		finalizeC = nil
		sttRetryC = nil
		vadCtrl.Reset()
		closeSTT()
	}

	fail := func(f *fault.Fault) error {
		o.send(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeError,
			Code:    f.Kind.String(),
			Message: f.Error(),
		})
		return f
	}

	// abortUtterance drops the current capture after a provider failure. The
	// client gets an error event and the session stays alive in Listening;
	// only fatal faults close the socket.
	abortUtterance := func(f *fault.Fault) {
		o.send(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeError,
			Code:    f.Kind.String(),
			Message: f.Error(),
		})
		resetUtterance()
		retryBudget.Reset()
	}

	startTurn := func(finalText string) {
		retryBudget.Reset()
		if err := o.sessions.Transition(s.ID, session.StateProcessing); err != nil {
			log.Printf("session %s: transition to processing: %v", s.ID, err)
		}
		vadCtrl.SetBlocked(true)
		droppedBase = vadCtrl.Dropped()

		snapshot := *currentSession()
		_, tts := o.providers.Lookup(snapshot.Provider)
		turnBridge := o.bridge.WithProvider(tts)
		turnCtx, cancel := context.WithCancel(ctx)
		turnCancel = cancel
		turnDone = make(chan turnOutcome, 1)
		go o.runTurn(turnCtx, snapshot, finalText, turnBridge, outbound, turnDone)
	}

	// finishUtterance settles the final transcript and, unless it is empty or
	// a duplicate, hands the turn to the brain.
	finishUtterance := func() {
		final := transcript.SelectFinal(candidateFinal, assembler.Caption())
		resetUtterance()

		if final == "" {
			o.metrics.SessionEvents.WithLabelValues("empty_utterance").Inc()
			return
		}
		if !deduper.Admit(final, time.Now()) {
			o.metrics.SessionEvents.WithLabelValues("duplicate_final").Inc()
			return
		}

		o.send(ctx, outbound, protocol.FinalTranscript{Type: protocol.TypeFinalTranscript, Transcript: final})
		o.saveTurnBestEffort(s, store.RolePatient, final)
		startTurn(final)
	}

	beginCommit := func() {
		awaitingFinal = true
		finalizeC = time.After(o.finalizeTimeout)
		if sttSession != nil {
			if err := sttSession.Commit(ctx); err != nil {
				log.Printf("session %s: stt commit: %v", s.ID, err)
			}
		}
	}

	endOfSpeech := func() {
		o.send(ctx, outbound, protocol.VADSignal{Type: protocol.TypeVADSignal, SignalType: protocol.SignalEndSpeech})
		o.metrics.SessionEvents.WithLabelValues("utterance_end").Inc()
		beginCommit()
	}

	handleAudio := func(msg protocol.AudioChunk) error {
		current, err := o.sessions.Get(s.ID)
		if err != nil {
			return fault.New(fault.KindInternalBug, "session", err)
		}
		if current.State == session.StateProcessing || current.State == session.StateSpeaking || turnDone != nil {
			vadCtrl.Observe(0, time.Now())
			o.metrics.DroppedDuringSpeaking.Inc()
			return nil
		}
		if !resumeUntil.IsZero() && time.Now().Before(resumeUntil) {
			o.metrics.SessionEvents.WithLabelValues("resume_grace_drop").Inc()
			return nil
		}
		if awaitingFinal {
			// Between commit and final transcript; late chunks are stale.
			return nil
		}

		chunk, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
		if err != nil {
			return fail(fault.New(fault.KindProtocolViolation, "client", err))
		}

		if msg.Encoding == protocol.EncodingWebM {
			if sttRetryC != nil {
				// Reconnect pending; chunks during the backoff are lost.
				return nil
			}
			if msg.FirstChunk && webmMode && sttSession != nil {
				// A header-bearing chunk mid-stream means the client began a
				// new recording; the old decode state is useless.
				closeSTT()
			}
			if sttSession == nil || !webmMode {
				if f := startSTT(0); f != nil {
					if scheduleSTTRetry() {
						webmMode = true
						if !capturing {
							capturing = true
							o.send(ctx, outbound, protocol.VADSignal{Type: protocol.TypeVADSignal, SignalType: protocol.SignalStartSpeech})
							o.metrics.SessionEvents.WithLabelValues("utterance_start").Inc()
						}
					} else {
						abortUtterance(f)
					}
					return nil
				}
				webmMode = true
				if !capturing {
					capturing = true
					o.send(ctx, outbound, protocol.VADSignal{Type: protocol.TypeVADSignal, SignalType: protocol.SignalStartSpeech})
					o.metrics.SessionEvents.WithLabelValues("utterance_start").Inc()
				}
			}
			if err := sttSession.SendAudio(ctx, chunk); err != nil {
				if !scheduleSTTRetry() {
					abortUtterance(fault.New(fault.KindProviderUnavailable, "stt", err))
				}
			}
			return nil
		}

		level := audio.Level255(chunk)
		signal := vadCtrl.Observe(level, time.Now())

		if signal == vad.SignalStartSpeech {
			capturing = true
			o.send(ctx, outbound, protocol.VADSignal{Type: protocol.TypeVADSignal, SignalType: protocol.SignalStartSpeech})
			o.metrics.SessionEvents.WithLabelValues("utterance_start").Inc()
			if f := startSTT(msg.SampleRate); f != nil {
				if !scheduleSTTRetry() {
					abortUtterance(f)
				}
				return nil
			}
		}

		if capturing && sttSession != nil {
			if err := sttSession.SendAudio(ctx, chunk); err != nil {
				if !scheduleSTTRetry() {
					abortUtterance(fault.New(fault.KindProviderUnavailable, "stt", err))
					return nil
				}
			}
		}

		if signal == vad.SignalEndSpeech {
			endOfSpeech()
		}
		return nil
	}

	handleFinalAudio := func(msg protocol.FinalAudio) error {
		_, tts := o.providers.Lookup(currentSession().Provider)
		if tts.OutputFormat() == OutputFormatFramedWAV && !o.sendFinalAudioA {
			// Provider commits on its own endpointing; the trailing blob
			// would only produce a duplicate final.
			o.metrics.SessionEvents.WithLabelValues("final_audio_ignored").Inc()
			return nil
		}
		if turnDone != nil || awaitingFinal {
			return nil
		}
		blob, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
		if err != nil {
			return fail(fault.New(fault.KindProtocolViolation, "client", err))
		}
		if sttSession == nil {
			if f := startSTT(16000); f != nil {
				abortUtterance(f)
				return nil
			}
			capturing = true
		}
		if err := sttSession.SendAudio(ctx, blob); err != nil {
			abortUtterance(fault.New(fault.KindProviderUnavailable, "stt", err))
			return nil
		}
		beginCommit()
		return nil
	}

	handleSTTEvent := func(evt STTEvent) error {
		switch evt.Type {
		case STTEventPartial:
			caption := assembler.AddPartial(evt.Text)
			if caption != "" && caption != lastCaption {
				lastCaption = caption
				o.send(ctx, outbound, protocol.StreamingTranscript{Type: protocol.TypeStreamingTranscript, Transcript: caption})
			}

		case STTEventFinal:
			// Segment finals also grow the caption; providers that finalize
			// per phrase deliver the utterance as several finals.
			if caption := assembler.AddPartial(evt.Text); caption != "" && caption != lastCaption {
				lastCaption = caption
				o.send(ctx, outbound, protocol.StreamingTranscript{Type: protocol.TypeStreamingTranscript, Transcript: caption})
			}
			candidateFinal = transcript.SelectFinal(evt.Text, candidateFinal)
			if awaitingFinal {
				finishUtterance()
			} else if webmMode {
				// Container uplink has no local VAD; the provider's final is
				// the end of the utterance.
				endOfSpeech()
				finishUtterance()
			}

		case STTEventError:
			name := "stt"
			if sttProv != nil {
				name = sttProv.Name()
			}
			o.metrics.ProviderErrors.WithLabelValues(name, evt.Code).Inc()
			if evt.Retryable && scheduleSTTRetry() {
				return nil
			}
			kind := fault.KindProviderUnavailable
			if evt.Retryable {
				kind = fault.KindProviderTransient
			}
			abortUtterance(fault.Newf(kind, "stt", "%s: %s", evt.Code, evt.Detail))
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = o.sessions.Touch(s.ID)

			switch m := msg.(type) {
			case protocol.AudioChunk:
				if err := handleAudio(m); err != nil {
					return err
				}
			case protocol.FinalAudio:
				if err := handleFinalAudio(m); err != nil {
					return err
				}
			case protocol.Flush:
				if capturing && !awaitingFinal {
					if webmMode {
						endOfSpeech()
					} else if vadCtrl.ForceEnd() == vad.SignalEndSpeech {
						endOfSpeech()
					}
				}
			case protocol.Text:
				if turnDone != nil || capturing {
					o.send(ctx, outbound, protocol.ErrorEvent{
						Type:    protocol.TypeError,
						Code:    "busy",
						Message: "a turn is already in progress",
					})
					continue
				}
				if deduper.Admit(m.Text, time.Now()) {
					o.send(ctx, outbound, protocol.FinalTranscript{Type: protocol.TypeFinalTranscript, Transcript: m.Text})
					o.saveTurnBestEffort(s, store.RolePatient, m.Text)
					startTurn(m.Text)
				}
			case protocol.Init:
				// Re-init mid-connection may only retune language/provider
				// between turns.
				if m.Language != "" {
					if err := o.sessions.SetLanguage(s.ID, m.Language); err != nil {
						o.send(ctx, outbound, protocol.ErrorEvent{Type: protocol.TypeError, Code: "busy", Message: err.Error()})
					}
				}
				if m.Provider != "" {
					if err := o.sessions.SetProvider(s.ID, m.Provider); err != nil {
						o.send(ctx, outbound, protocol.ErrorEvent{Type: protocol.TypeError, Code: "busy", Message: err.Error()})
					}
				}
			case protocol.Ping:
				o.send(ctx, outbound, protocol.Pong{Type: protocol.TypePong})
			case protocol.Stop:
				o.endSession(s)
				return nil
			}

		case evt, ok := <-sttEvents:
			if !ok {
				sttEvents = nil
				sttSession = nil
				if awaitingFinal {
					finishUtterance()
				}
				continue
			}
			if err := handleSTTEvent(evt); err != nil {
				return err
			}

		case <-sttRetryC:
			sttRetryC = nil
			if !capturing {
				continue
			}
			if f := startSTT(sttSampleRate); f != nil {
				if !scheduleSTTRetry() {
					abortUtterance(f)
				}
			}

		case <-finalizeC:
			// No final transcript arrived in time; settle for the caption.
			o.metrics.SessionEvents.WithLabelValues("stt_finalize_timeout").Inc()
			finishUtterance()

		case outcome := <-turnDone:
			turnDone = nil
			if turnCancel != nil {
				turnCancel()
				turnCancel = nil
			}
			dropped := vadCtrl.Dropped() - droppedBase
			if dropped > 0 {
				o.metrics.SessionEvents.WithLabelValues("dropped_during_speaking").Inc()
			}
			vadCtrl.SetBlocked(false)
			vadCtrl.Reset()
			resumeUntil = time.Now().Add(o.resumeGrace)

			if err := o.sessions.Transition(s.ID, session.StateListening); err != nil {
				log.Printf("session %s: reset to listening: %v", s.ID, err)
			}
			if outcome.err != nil {
				var f *fault.Fault
				if errors.As(outcome.err, &f) && f.Kind.Fatal() {
					return fail(f)
				}
				o.send(ctx, outbound, protocol.ErrorEvent{
					Type:    protocol.TypeError,
					Code:    fault.KindOf(outcome.err).String(),
					Message: outcome.err.Error(),
				})
			}
		}
	}
}

// runTurn executes one brain+TTS turn off the main loop. Token deltas stream
// to the client as they arrive; phrase-sized chunks feed the TTS bridge
// concurrently. The aggregate response message is sent only after the last
// audio frame, so text completion never precedes audio completion.
func (o *Orchestrator) runTurn(ctx context.Context, sess session.Session, inputText string, bridge *Bridge, outbound chan<- any, done chan<- turnOutcome) {
	startedAt := time.Now()
	o.send(ctx, outbound, protocol.ProcessingState{Type: protocol.TypeProcessingState, IsProcessing: true})
	defer o.send(ctx, outbound, protocol.ProcessingState{Type: protocol.TypeProcessingState, IsProcessing: false})

	req := llm.Request{
		SessionID: sess.ID,
		TurnID:    sess.ActiveTurnID,
		InputText: inputText,
		Language:  sess.Language,
		UseRAG:    sess.UseRAG,
	}
	if o.store != nil {
		recentCtx, cancel := context.WithTimeout(ctx, storeSaveTimeout)
		recent, err := o.store.RecentTurns(recentCtx, sess.ID, turnContextLimit)
		cancel()
		if err == nil {
			for _, turn := range recent {
				req.TurnContext = append(req.TurnContext, turn.Role+": "+turn.Content)
			}
		}
	}

	collector := llm.NewDeltaCollector(o.streamMinChars)
	segments := make(chan string, segmentQueueDepth)

	var (
		firstTokenAt time.Time
		firstAudioAt time.Time
		speakResult  SpeakResult
		responseText string
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(segments)
		resp, err := o.adapter.StreamResponse(gctx, req, func(delta string) error {
			if firstTokenAt.IsZero() {
				firstTokenAt = time.Now()
				o.metrics.ObserveTurnStage("final_to_first_token", float64(time.Since(startedAt).Milliseconds()))
			}
			o.send(gctx, outbound, protocol.AIResponseChunk{Type: protocol.TypeAIResponseChunk, Text: delta})
			for _, chunk := range collector.Consume(delta) {
				select {
				case segments <- chunk:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			return fault.New(fault.KindProviderUnavailable, "brain", err)
		}
		for _, chunk := range collector.Finalize() {
			select {
			case segments <- chunk:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		responseText = resp.Text
		return nil
	})

	g.Go(func() error {
		result, err := bridge.Speak(gctx, sess.Language, segments, func(frame []byte) error {
			if firstAudioAt.IsZero() {
				firstAudioAt = time.Now()
				o.metrics.ObserveFirstAudioLatency(time.Since(startedAt))
				if terr := o.sessions.Transition(sess.ID, session.StateSpeaking); terr != nil {
					log.Printf("session %s: transition to speaking: %v", sess.ID, terr)
				}
			}
			if !o.send(gctx, outbound, protocol.BinaryFrame(frame)) {
				return gctx.Err()
			}
			o.metrics.TTSBytes.WithLabelValues(bridge.Provider().Name()).Add(float64(len(frame)))
			return nil
		})
		speakResult = result
		return err
	})

	err := g.Wait()

	if speakResult.Truncated {
		o.metrics.ObserveTurnIndicator("tts_truncated")
	}
	if !firstAudioAt.IsZero() {
		o.metrics.ObserveTurnStage("tts_stream_total", float64(time.Since(firstAudioAt).Milliseconds()))
	}
	o.metrics.ObserveTurnStage("turn_total", float64(time.Since(startedAt).Milliseconds()))

	// A truncated synthesis still carries a usable text reply; only a brain
	// failure leaves us with nothing to show.
	if responseText != "" {
		o.send(ctx, outbound, protocol.AIResponseChunk{Type: protocol.TypeAIResponseChunk, Text: "", IsFinal: true})
		o.send(ctx, outbound, protocol.Response{Type: protocol.TypeResponse, FinalResponse: responseText})
		o.saveTurnBestEffort(&sess, store.RoleAssistant, responseText)
	}

	done <- turnOutcome{
		text:       responseText,
		spokeAudio: !firstAudioAt.IsZero(),
		err:        err,
	}
}

func (o *Orchestrator) send(ctx context.Context, outbound chan<- any, msg any) bool {
	select {
	case outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) saveTurnBestEffort(s *session.Session, role, text string) {
	if o.store == nil {
		return
	}
	redacted, changed := policy.RedactPII(text)
	record := store.TurnRecord{
		DBSessionID: s.DBSessionID,
		SessionID:   s.ID,
		Role:        role,
		Content:     redacted,
		PIIRedacted: changed,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeSaveTimeout)
		defer cancel()
		if err := o.store.AppendTurn(ctx, record); err != nil {
			log.Printf("session %s: save %s turn: %v", s.ID, role, err)
		}
	}()
}

func (o *Orchestrator) endSession(s *session.Session) {
	if _, err := o.sessions.End(s.ID); err != nil {
		log.Printf("session %s: end: %v", s.ID, err)
	}
	if o.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeSaveTimeout)
		defer cancel()
		if err := o.store.EndSession(ctx, s.DBSessionID, time.Now().UTC()); err != nil {
			log.Printf("session %s: store end: %v", s.ID, err)
		}
	}
}
