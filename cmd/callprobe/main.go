// Command callprobe places a synthetic call against the relay's media-stream
// endpoint. It plays caller audio as Media Streams frames, then sends stop and
// reports how the relay answered.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/audio"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/relay"
)

type options struct {
	url          string
	wavPath      string
	silence      time.Duration
	chunkMS      int
	realtime     float64
	prompt       string
	firstMessage string
	record       string
	timeout      time.Duration
}

type report struct {
	StreamSID      string        `json:"stream_sid"`
	FramesSent     int           `json:"frames_sent"`
	MediaReceived  int           `json:"media_received"`
	ClearsReceived int           `json:"clears_received"`
	FirstMedia     time.Duration `json:"first_media_ns"`
	Completed      bool          `json:"completed"`
	Elapsed        time.Duration `json:"elapsed_ns"`
	recorded       []byte
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(2)
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	rep, err := run(ctx, opts, logrus.NewEntry(log))
	if err != nil {
		log.WithError(err).Error("probe failed")
		os.Exit(1)
	}
	if opts.record != "" && len(rep.recorded) > 0 {
		if err := audio.WriteWAVFile(opts.record, audio.MulawDecode(rep.recorded), audio.TelephonySampleRate); err != nil {
			log.WithError(err).Warn("write recording failed")
		}
	}
	_ = json.NewEncoder(os.Stdout).Encode(rep)
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("callprobe", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/media-stream", "relay media-stream websocket URL")
	fs.StringVar(&opts.wavPath, "wav", "", "PCM16 WAV file played as caller audio (silence when empty)")
	fs.DurationVar(&opts.silence, "silence", 3*time.Second, "duration of silent caller audio when -wav is empty")
	fs.IntVar(&opts.chunkMS, "chunk-ms", 20, "caller audio frame size in milliseconds")
	fs.Float64Var(&opts.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.StringVar(&opts.prompt, "prompt", "", "prompt override sent as a stream parameter")
	fs.StringVar(&opts.firstMessage, "first-message", "", "opening message override sent as a stream parameter")
	fs.StringVar(&opts.record, "record", "", "write received agent audio to this WAV file")
	fs.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall probe timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.url = strings.TrimSpace(opts.url)
	if !strings.HasPrefix(opts.url, "ws://") && !strings.HasPrefix(opts.url, "wss://") {
		return options{}, fmt.Errorf("url must be ws:// or wss://, got %q", opts.url)
	}
	if opts.chunkMS < 10 || opts.chunkMS > 1000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,1000]")
	}
	if opts.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if opts.timeout <= 0 {
		return options{}, fmt.Errorf("timeout must be > 0")
	}
	return opts, nil
}

// callerAudio returns mu-law caller audio at the telephony rate.
func callerAudio(opts options) ([]byte, error) {
	if opts.wavPath == "" {
		n := int(opts.silence.Seconds() * audio.TelephonySampleRate)
		return audio.MulawEncode(make([]byte, n*2)), nil
	}
	raw, err := os.ReadFile(opts.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAV(raw)
	if err != nil {
		return nil, err
	}
	return audio.MulawEncode(audio.Resample(pcm, rate, audio.TelephonySampleRate)), nil
}

func run(ctx context.Context, opts options, log *logrus.Entry) (*report, error) {
	ulaw, err := callerAudio(opts)
	if err != nil {
		return nil, fmt.Errorf("prepare caller audio: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	rep := &report{StreamSID: "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")}
	log = log.WithField("stream_sid", rep.StreamSID)
	started := time.Now()

	if err := conn.WriteJSON(connectedFrame()); err != nil {
		return nil, fmt.Errorf("send connected: %w", err)
	}
	callSID := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := conn.WriteJSON(startFrame(rep.StreamSID, callSID, opts.prompt, opts.firstMessage)); err != nil {
		return nil, fmt.Errorf("send start: %w", err)
	}
	log.Info("stream started")

	done := make(chan error, 1)
	go func() { done <- readLoop(conn, rep, started, log) }()

	chunk := audio.TelephonySampleRate * opts.chunkMS / 1000
	pace := time.Duration(float64(time.Duration(opts.chunkMS)*time.Millisecond) / opts.realtime)
	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	seq := 1
	for off := 0; off < len(ulaw); off += chunk {
		end := min(off+chunk, len(ulaw))
		seq++
		if err := conn.WriteJSON(mediaFrame(rep.StreamSID, seq, off*1000/audio.TelephonySampleRate, ulaw[off:end])); err != nil {
			return rep, fmt.Errorf("send media: %w", err)
		}
		rep.FramesSent++
		select {
		case <-ticker.C:
		case err := <-done:
			return rep, fmt.Errorf("relay closed during playback: %w", errOrEOF(err))
		case <-ctx.Done():
			return rep, ctx.Err()
		}
	}

	if err := conn.WriteJSON(stopFrame(rep.StreamSID, callSID)); err != nil {
		return rep, fmt.Errorf("send stop: %w", err)
	}
	log.WithField("frames", rep.FramesSent).Info("caller audio sent")

	select {
	case err := <-done:
		rep.Elapsed = time.Since(started)
		if !rep.Completed && err != nil {
			return rep, err
		}
		return rep, nil
	case <-ctx.Done():
		return rep, ctx.Err()
	}
}

type outboundFrame struct {
	Event     protocol.TwilioEvent `json:"event"`
	StreamSID string               `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
	Mark struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// readLoop consumes relay frames until the socket closes. It returns nil after
// a completion mark or a normal close.
func readLoop(conn *websocket.Conn, rep *report, started time.Time, log *logrus.Entry) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if rep.Completed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var f outboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.WithError(err).Warn("undecodable frame from relay")
			continue
		}
		switch f.Event {
		case protocol.TwilioMedia:
			if rep.MediaReceived == 0 {
				rep.FirstMedia = time.Since(started)
				log.WithField("first_media", rep.FirstMedia).Info("agent audio started")
			}
			rep.MediaReceived++
			if ulaw, err := base64.StdEncoding.DecodeString(f.Media.Payload); err == nil {
				rep.recorded = append(rep.recorded, ulaw...)
			}
		case protocol.TwilioClear:
			rep.ClearsReceived++
			log.Info("relay cleared playback")
		case protocol.TwilioMark:
			if f.Mark.Name == relay.CompletionMark {
				rep.Completed = true
				log.Info("session complete")
			}
		}
	}
}

func errOrEOF(err error) error {
	if err == nil {
		return errors.New("socket closed")
	}
	return err
}

func connectedFrame() map[string]any {
	return map[string]any{"event": protocol.TwilioConnected, "protocol": "Call", "version": "1.0.0"}
}

func startFrame(streamSID, callSID, prompt, firstMessage string) map[string]any {
	params := map[string]string{}
	if prompt != "" {
		params[protocol.ParamPrompt] = prompt
	}
	if firstMessage != "" {
		params[protocol.ParamFirstMessage] = firstMessage
	}
	return map[string]any{
		"event":          protocol.TwilioStart,
		"sequenceNumber": "1",
		"streamSid":      streamSID,
		"start": map[string]any{
			"streamSid":        streamSID,
			"accountSid":       "ACcallprobe",
			"callSid":          callSID,
			"tracks":           []string{"inbound"},
			"customParameters": params,
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": audio.TelephonySampleRate, "channels": 1},
		},
	}
}

func mediaFrame(streamSID string, seq, timestampMS int, ulaw []byte) map[string]any {
	return map[string]any{
		"event":          protocol.TwilioMedia,
		"sequenceNumber": fmt.Sprint(seq),
		"streamSid":      streamSID,
		"media": map[string]any{
			"track":     "inbound",
			"chunk":     fmt.Sprint(seq - 1),
			"timestamp": fmt.Sprint(timestampMS),
			"payload":   base64.StdEncoding.EncodeToString(ulaw),
		},
	}
}

func stopFrame(streamSID, callSID string) map[string]any {
	return map[string]any{
		"event":     protocol.TwilioStop,
		"streamSid": streamSID,
		"stop":      map[string]any{"accountSid": "ACcallprobe", "callSid": callSID},
	}
}
