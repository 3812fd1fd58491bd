// Package eventlog delivers engine events to observers: an in-memory
// recorder, the service log and a rotating JSON-lines journal.
package eventlog

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"remitrails/internal/logging"
	"remitrails/internal/remit"
)

// Record is the flattened form of an event: a type plus string attributes.
type Record struct {
	Type       string            `json:"type"`
	Time       time.Time         `json:"time"`
	Attributes map[string]string `json:"attributes"`
}

// Encode flattens ev. Amounts are rendered in base 10 and addresses in
// checksummed hex.
func Encode(ev remit.Event, at time.Time) Record {
	attrs := make(map[string]string)
	switch e := ev.(type) {
	case remit.UserRegistered:
		attrs["account"] = e.Account.Hex()
		attrs["phoneNumber"] = e.PhoneNumber
		attrs["displayName"] = e.DisplayName
	case remit.ProfileUpdated:
		attrs["account"] = e.Account.Hex()
		attrs["displayName"] = e.DisplayName
	case remit.RemittanceCreated:
		attrs["id"] = strconv.FormatUint(e.ID, 10)
		attrs["sender"] = e.Sender.Hex()
		attrs["recipient"] = e.Recipient.Hex()
		attrs["token"] = e.Token.Hex()
		attrs["amount"] = e.Amount.Dec()
		attrs["fee"] = e.Fee.Dec()
		attrs["recipientPhone"] = e.RecipientPhone
		if e.Reference != "" {
			attrs["reference"] = e.Reference
		}
	case remit.RemittanceCompleted:
		attrs["id"] = strconv.FormatUint(e.ID, 10)
		attrs["completedBy"] = e.CompletedBy.Hex()
	case remit.RemittanceCancelled:
		attrs["id"] = strconv.FormatUint(e.ID, 10)
	case remit.FeeRateUpdated:
		attrs["newRateBps"] = strconv.FormatUint(uint64(e.NewRateBps), 10)
	case remit.TokenSupportChanged:
		attrs["token"] = e.Token.Hex()
		attrs["supported"] = strconv.FormatBool(e.Supported)
	case remit.SystemPaused, remit.SystemUnpaused:
	}
	return Record{Type: ev.EventType(), Time: at.UTC(), Attributes: attrs}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu      sync.Mutex
	now     func() time.Time
	records []Record
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

func (r *Recorder) Emit(ev remit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Encode(ev, r.now()))
}

// Records returns a copy of what has been recorded so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// LogSink writes each event as an Info entry.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Emit(ev remit.Event) {
	rec := Encode(ev, time.Now())
	fields := make([]zap.Field, 0, len(rec.Attributes))
	for k, v := range rec.Attributes {
		if k == "phoneNumber" || k == "recipientPhone" {
			v = logging.MaskPhone(v)
		}
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info(rec.Type, fields...)
}

// Journal appends events as JSON lines to a lumberjack-rotated file. Write
// failures are logged and do not reach the engine.
type Journal struct {
	mu     sync.Mutex
	out    *lumberjack.Logger
	logger *zap.Logger
	now    func() time.Time
}

func NewJournal(path string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50,
			MaxBackups: 10,
			Compress:   true,
		},
		logger: logger,
		now:    time.Now,
	}
}

func (j *Journal) Emit(ev remit.Event) {
	line, err := json.Marshal(Encode(ev, j.now()))
	if err != nil {
		j.logger.Error("encode journal event", zap.String("type", ev.EventType()), zap.Error(err))
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.out.Write(line); err != nil {
		j.logger.Error("write journal event", zap.String("type", ev.EventType()), zap.Error(err))
	}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.out.Close()
}

// Fanout forwards each event to every emitter in order.
type Fanout []remit.Emitter

func (f Fanout) Emit(ev remit.Event) {
	for _, e := range f {
		if e != nil {
			e.Emit(ev)
		}
	}
}
