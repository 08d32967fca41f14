// Package orch is the top-level per-connection controller. One RunConnection
// call owns one session end to end: it composes the conversation machine,
// playback scheduling, recording ingestion and the billing timer, and
// arbitrates their event streams onto the outbound channel.
package orch

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davmello/visage/internal/billing"
	"github.com/davmello/visage/internal/config"
	"github.com/davmello/visage/internal/convo"
	"github.com/davmello/visage/internal/lipsync"
	"github.com/davmello/visage/internal/observability"
	"github.com/davmello/visage/internal/playback"
	"github.com/davmello/visage/internal/protocol"
	"github.com/davmello/visage/internal/recording"
	"github.com/davmello/visage/internal/session"
	"github.com/davmello/visage/internal/transcript"
)

// defaultSampleRate applies when init_session does not declare a PCM rate.
const defaultSampleRate = 16000

// Orchestrator wires per-connection session lifecycles out of shared
// process-level services.
type Orchestrator struct {
	cfg         config.Config
	sessions    *session.Manager
	recordings  *recording.Service
	transcripts transcript.Store
	ledger      billing.Ledger
	metrics     *observability.Metrics
	stages      *observability.StageWindow

	transcriber convo.Transcriber
	responder   convo.Responder
	synthesizer convo.Synthesizer
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	recordings *recording.Service,
	transcripts transcript.Store,
	ledger billing.Ledger,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
	transcriber convo.Transcriber,
	responder convo.Responder,
	synthesizer convo.Synthesizer,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		sessions:    sessions,
		recordings:  recordings,
		transcripts: transcripts,
		ledger:      ledger,
		metrics:     metrics,
		stages:      stages,
		transcriber: transcriber,
		responder:   responder,
		synthesizer: synthesizer,
	}
}

// connState carries the per-connection mutable fields for one RunConnection
// call. Everything here dies with the connection.
type connState struct {
	sess       *session.Session
	machine    *convo.Machine
	sched      *playback.Scheduler
	track      *lipsync.Track
	sampleRate int

	turnID        string
	turnProactive bool
	agentText     strings.Builder
	committedAt   time.Time
	spokeThisTurn bool
}

// RunConnection drives one websocket connection. The first inbound message
// must be init_session; everything before it is rejected. Returns when the
// inbound channel closes, the context is cancelled, the client ends the
// session, or billing is exhausted.
func (o *Orchestrator) RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	st, err := o.awaitInit(ctx, inbound, outbound)
	if err != nil || st == nil {
		return err
	}
	defer o.teardown(st)

	o.metrics.ActiveSessions.Set(float64(o.sessions.ActiveCount()))
	o.metrics.SessionEvents.WithLabelValues("created").Inc()
	o.send(outbound, protocol.SessionReady{
		Type:          protocol.TypeSessionReady,
		SessionID:     st.sess.ID,
		ParticipantID: st.sess.ParticipantID,
		AgentID:       st.sess.AgentID,
	})

	billingTick := time.NewTicker(o.cfg.BillingInterval)
	defer billingTick.Stop()

	var greeting <-chan time.Time
	if o.cfg.GreetingEnabled && strings.TrimSpace(o.cfg.GreetingText) != "" {
		greeting = time.After(time.Second)
	}
	var coach *time.Ticker
	coachC := make(<-chan time.Time)
	if o.cfg.CoachInterval > 0 {
		coach = time.NewTicker(o.cfg.CoachInterval)
		defer coach.Stop()
		coachC = coach.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				o.endSession(st, outbound, "disconnect")
				return nil
			}
			if done := o.handleInbound(ctx, st, outbound, msg); done {
				return nil
			}

		case ev := <-st.machine.Events():
			o.handleMachineEvent(st, outbound, ev)

		case <-billingTick.C:
			_, err := o.ledger.Debit(ctx, st.sess.ParticipantID, o.cfg.BillingCreditsPerTick)
			if errors.Is(err, billing.ErrInsufficientCredits) {
				// Exhaustion is fatal to the session, never to the process.
				// In-flight recording finalizes keep running.
				o.metrics.SessionEvents.WithLabelValues("billing_exhausted").Inc()
				o.send(outbound, protocol.SystemEvent{
					Type:      protocol.TypeSystemEvent,
					SessionID: st.sess.ID,
					Code:      "billing_exhausted",
				})
				o.endSession(st, outbound, "billing_exhausted")
				return nil
			}
			if err != nil {
				log.Printf("session %s: billing debit failed: %v", st.sess.ID, err)
				continue
			}
			if _, err := o.sessions.AddCreditsSpent(st.sess.ID, o.cfg.BillingCreditsPerTick); err != nil {
				log.Printf("session %s: record credits: %v", st.sess.ID, err)
			}

		case <-greeting:
			if err := st.machine.StartProactive(o.cfg.GreetingText); err != nil && !errors.Is(err, convo.ErrBusySpeaking) {
				log.Printf("session %s: greeting failed: %v", st.sess.ID, err)
			}

		case <-coachC:
			err := st.machine.StartProactive("Here is a quick observation about how the conversation is going.")
			if errors.Is(err, convo.ErrBusySpeaking) {
				continue
			}
			if err != nil {
				log.Printf("session %s: coach prompt failed: %v", st.sess.ID, err)
			}
		}
	}
}

func (o *Orchestrator) awaitInit(ctx context.Context, inbound <-chan any, outbound chan<- any) (*connState, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil, nil
			}
			init, isInit := msg.(protocol.InitSession)
			if !isInit {
				o.send(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					Code:      "session_not_initialized",
					Source:    "orchestrator",
					Retryable: true,
					Detail:    "init_session must be the first message",
				})
				continue
			}

			sess := o.sessions.Create(init.ParticipantID, init.AgentID, init.VisionEnabled)
			rate := init.SampleRate
			if rate <= 0 {
				rate = defaultSampleRate
			}
			sched := playback.NewScheduler(playback.PCMDecoder{SampleRate: rate}, playback.NewTimerSink())
			track := lipsync.NewTrack()
			machine := convo.NewMachine(convo.Config{
				SessionID:        sess.ID,
				SampleRate:       rate,
				Transcriber:      o.transcriber,
				Responder:        o.responder,
				Synthesizer:      o.synthesizer,
				Playback:         sched,
				Track:            track,
				InterruptAckText: o.cfg.InterruptAckText,
			})
			if err := machine.Start(ctx); err != nil {
				sched.Close()
				_, _ = o.sessions.End(sess.ID)
				o.send(outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sess.ID,
					Code:      "transcriber_connect_failed",
					Source:    "transcriber",
					Retryable: true,
					Detail:    err.Error(),
				})
				return nil, err
			}
			return &connState{sess: sess, machine: machine, sched: sched, track: track, sampleRate: rate}, nil
		}
	}
}

// handleInbound processes one client message; true means the connection loop
// should exit.
func (o *Orchestrator) handleInbound(ctx context.Context, st *connState, outbound chan<- any, msg any) bool {
	_ = o.sessions.Touch(st.sess.ID)

	switch m := msg.(type) {
	case protocol.InitSession:
		// Session already established on this connection; reuse it.
		o.send(outbound, protocol.SessionReady{
			Type:          protocol.TypeSessionReady,
			SessionID:     st.sess.ID,
			ParticipantID: st.sess.ParticipantID,
			AgentID:       st.sess.AgentID,
		})

	case protocol.AudioFrame:
		if m.SampleRate != st.sampleRate {
			o.send(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: st.sess.ID,
				Code:      "sample_rate_mismatch",
				Source:    "orchestrator",
				Detail:    "audio frame rate does not match the session rate declared at init",
			})
			return false
		}
		if err := st.machine.HandleAudioFrame(ctx, m.Payload); err != nil {
			o.metrics.ProviderErrors.WithLabelValues("transcriber", "send_audio").Inc()
			log.Printf("session %s: forward audio: %v", st.sess.ID, err)
		}

	case protocol.UserTurnEnd:
		if err := st.machine.HandleTurnEnd(ctx); err != nil {
			log.Printf("session %s: turn end hint: %v", st.sess.ID, err)
		}

	case protocol.TextTurn:
		st.machine.SubmitText(m.Text)

	case protocol.EndSession:
		o.endSession(st, outbound, "client_request")
		return true

	case protocol.RecordingStart:
		id, err := o.recordings.Start(st.sess.ID, m.ContainerHint)
		if err != nil {
			o.sendRecordingError(outbound, st.sess.ID, "", "start_failed", err)
			return false
		}
		o.metrics.RecordingEvents.WithLabelValues("started").Inc()
		o.send(outbound, protocol.RecordingStarted{
			Type:        protocol.TypeRecordingStarted,
			SessionID:   st.sess.ID,
			RecordingID: id,
		})

	case protocol.RecordingChunk:
		if err := o.recordings.IngestChunk(m.RecordingID, m.Index, m.Payload); err != nil {
			o.sendRecordingError(outbound, st.sess.ID, m.RecordingID, "chunk_rejected", err)
		}

	case protocol.RecordingFinish:
		// Finalize runs detached from the connection context: the client may
		// send finish and drop immediately, and the artifact must still land.
		go o.finalizeRecording(context.WithoutCancel(ctx), st.sess.ID, m.RecordingID, m.LastIndex, outbound)

	default:
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: st.sess.ID,
			Code:      "unsupported_message",
			Source:    "orchestrator",
			Detail:    "message type not handled",
		})
	}
	return false
}

func (o *Orchestrator) finalizeRecording(ctx context.Context, sessionID, recordingID string, lastIndex int, outbound chan<- any) {
	started := time.Now()
	res, err := o.recordings.Finalize(ctx, recordingID, lastIndex)
	if errors.Is(err, recording.ErrFinalizeInProgress) {
		// A concurrent finish already owns the outcome; exactly one
		// finished/error event may be emitted per recording.
		return
	}
	elapsed := time.Since(started)
	o.metrics.ObserveFinalizeDuration(elapsed)
	o.stages.Observe(observability.StageRecordingFinalize, float64(elapsed.Milliseconds()))

	if err != nil {
		o.metrics.RecordingEvents.WithLabelValues("failed").Inc()
		reason := "finalize_failed"
		if errors.Is(err, recording.ErrNoFragments) {
			reason = "no_fragments"
		} else if errors.Is(err, recording.ErrUnknownRecording) {
			reason = "unknown_recording"
		}
		o.sendRecordingError(outbound, sessionID, recordingID, reason, err)
		return
	}

	o.metrics.RecordingEvents.WithLabelValues("finished").Inc()
	o.send(outbound, protocol.RecordingFinished{
		Type:           protocol.TypeRecordingFinished,
		SessionID:      sessionID,
		RecordingID:    res.RecordingID,
		ArtifactRef:    artifactURL(res.RecordingID, "video"),
		ThumbnailRef:   thumbnailRefOrEmpty(res),
		DurationSec:    res.Duration.Seconds(),
		SizeBytes:      res.Artifact.Size,
		MissingIndices: res.Missing,
	})
}

func artifactURL(recordingID, kind string) string {
	return "/v1/recordings/" + recordingID + "/" + kind
}

func thumbnailRefOrEmpty(res recording.FinalizeResult) string {
	if res.Thumbnail.Path == "" {
		return ""
	}
	return artifactURL(res.RecordingID, "thumbnail")
}

func (o *Orchestrator) handleMachineEvent(st *connState, outbound chan<- any, ev convo.Event) {
	sess := st.sess
	switch ev.Type {
	case convo.EventStateChanged:
		if ev.State == convo.StateThinking {
			st.turnID = uuid.NewString()
			st.agentText.Reset()
			st.spokeThisTurn = false
			_ = o.sessions.StartTurn(sess.ID, st.turnID)
		}

	case convo.EventTranscriptPartial:
		o.send(outbound, protocol.TranscriptPartial{
			Type:      protocol.TypeTranscriptPartial,
			SessionID: sess.ID,
			Text:      ev.Text,
			TSMs:      time.Now().UnixMilli(),
		})

	case convo.EventTranscriptFinal:
		st.committedAt = time.Now()
		o.send(outbound, protocol.TranscriptFinal{
			Type:      protocol.TypeTranscriptFinal,
			SessionID: sess.ID,
			Text:      ev.Text,
			TSMs:      time.Now().UnixMilli(),
		})
		o.persistEntry(sess, transcript.RoleParticipant, ev.Text, false)

	case convo.EventResponseChunk:
		st.agentText.WriteString(ev.Text)
		st.turnProactive = ev.Proactive
		o.send(outbound, protocol.ResponseChunk{
			Type:           protocol.TypeResponseChunk,
			SessionID:      sess.ID,
			TurnID:         st.turnID,
			Text:           ev.Text,
			Proactive:      ev.Proactive,
			IsInterruption: ev.Interruption,
		})

	case convo.EventResponseComplete:
		if !st.committedAt.IsZero() {
			o.stages.Observe(observability.StageResponseComplete, float64(time.Since(st.committedAt).Milliseconds()))
		}
		o.send(outbound, protocol.ResponseComplete{
			Type:           protocol.TypeResponseComplete,
			SessionID:      sess.ID,
			TurnID:         st.turnID,
			Proactive:      ev.Proactive,
			IsInterruption: ev.Interruption,
		})

	case convo.EventSpeechChunk:
		if !st.spokeThisTurn {
			st.spokeThisTurn = true
			if !st.committedAt.IsZero() && !ev.Proactive {
				latency := time.Since(st.committedAt)
				o.metrics.ObserveFirstSpeechLatency(latency)
				o.stages.Observe(observability.StageFirstSpeech, float64(latency.Milliseconds()))
			}
			if first, _ := o.sessions.MarkSpoken(sess.ID); first {
				o.metrics.SessionEvents.WithLabelValues("first_speech").Inc()
			}
		}
		o.send(outbound, protocol.SpeechChunk{
			Type:        protocol.TypeSpeechChunk,
			SessionID:   sess.ID,
			TurnID:      st.turnID,
			Seq:         ev.Seq,
			Format:      "pcm16le_" + strconv.Itoa(st.sampleRate),
			AudioBase64: base64.StdEncoding.EncodeToString(ev.Audio),
		})

	case convo.EventSpeechAlignment:
		o.send(outbound, alignmentMessage(sess.ID, st.turnID, ev.Cues))

	case convo.EventUserInterrupted:
		_ = o.sessions.Interrupt(sess.ID)
		o.stages.ObserveIndicator("barge_in")
		o.metrics.SessionEvents.WithLabelValues("barge_in").Inc()
		// The discarded partial utterance is never written to the
		// transcript log.
		st.agentText.Reset()
		o.send(outbound, protocol.UserInterrupted{
			Type:      protocol.TypeUserInterrupted,
			SessionID: sess.ID,
		})

	case convo.EventUtteranceDone:
		if text := strings.TrimSpace(st.agentText.String()); text != "" {
			o.persistEntry(sess, transcript.RoleAgent, text, ev.Proactive)
		}
		st.agentText.Reset()
		st.committedAt = time.Time{}

	case convo.EventContextCapture:
		if sess.VisionEnabled {
			o.send(outbound, protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: sess.ID,
				Code:      "context_capture",
			})
		}

	case convo.EventAdvisoryError:
		o.metrics.ProviderErrors.WithLabelValues("pipeline", "advisory").Inc()
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "pipeline_degraded",
			Source:    "pipeline",
			Retryable: ev.Retryable,
			Detail:    ev.Detail,
		})
	}
}

func alignmentMessage(sessionID, turnID string, cues []lipsync.Cue) protocol.SpeechAlignment {
	msg := protocol.SpeechAlignment{
		Type:      protocol.TypeSpeechAlignment,
		SessionID: sessionID,
		TurnID:    turnID,
		Shapes:    make([]string, len(cues)),
		StartsMs:  make([]int64, len(cues)),
		EndsMs:    make([]int64, len(cues)),
	}
	for i, cue := range cues {
		msg.Shapes[i] = cue.Shape
		msg.StartsMs[i] = cue.Start.Milliseconds()
		msg.EndsMs[i] = cue.End.Milliseconds()
	}
	return msg
}

func (o *Orchestrator) persistEntry(sess *session.Session, role, content string, proactive bool) {
	entry := transcript.Entry{
		SessionID:   sess.ID,
		Participant: sess.ParticipantID,
		Role:        role,
		Content:     content,
		Proactive:   proactive,
	}
	transcript.Redact(&entry)

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.transcripts.SaveEntry(saveCtx, entry); err != nil {
		log.Printf("session %s: persist transcript entry: %v", sess.ID, err)
	}
}

func (o *Orchestrator) endSession(st *connState, outbound chan<- any, reason string) {
	o.send(outbound, protocol.SessionEnded{
		Type:      protocol.TypeSessionEnded,
		SessionID: st.sess.ID,
		Reason:    reason,
	})
	o.metrics.SessionEvents.WithLabelValues("ended").Inc()
}

func (o *Orchestrator) teardown(st *connState) {
	st.machine.Close()
	st.sched.Close()
	if _, err := o.sessions.End(st.sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("session %s: end: %v", st.sess.ID, err)
	}
	o.metrics.ActiveSessions.Set(float64(o.sessions.ActiveCount()))
}

func (o *Orchestrator) sendRecordingError(outbound chan<- any, sessionID, recordingID, reason string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	o.send(outbound, protocol.RecordingError{
		Type:        protocol.TypeRecordingError,
		SessionID:   sessionID,
		RecordingID: recordingID,
		Reason:      reason,
		Detail:      detail,
	})
}

// send never blocks the session loop; a saturated outbound queue drops the
// message and the websocket writer's own backpressure handling takes over.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
		log.Printf("orch: dropping outbound %T (queue full)", msg)
	}
}
