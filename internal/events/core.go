package events

import (
	"go.uber.org/zap/zapcore"
)

// listenerCore is a zapcore.Core that forwards log entries to a Listener as
// (message, tag) pairs. Other fields are dropped.
type listenerCore struct {
	zapcore.LevelEnabler
	l   Listener
	tag Tag
	set bool
}

// NewCore returns a core that tees log entries at or above enab to l.
// The tag comes from the "tag" field when present, otherwise from the level.
func NewCore(enab zapcore.LevelEnabler, l Listener) zapcore.Core {
	return &listenerCore{LevelEnabler: enab, l: l}
}

func (c *listenerCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	if tag, ok := tagFrom(fields); ok {
		clone.tag, clone.set = tag, true
	}
	return &clone
}

func (c *listenerCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *listenerCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	tag, ok := tagFrom(fields)
	if !ok {
		if c.set {
			tag = c.tag
		} else {
			tag = levelTag(ent.Level)
		}
	}
	c.l.OnLog(ent.Message, tag)
	return nil
}

func (c *listenerCore) Sync() error { return nil }

func tagFrom(fields []zapcore.Field) (Tag, bool) {
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		if f.Key == TagKey && f.Type == zapcore.StringType {
			return ParseTag(f.String), true
		}
	}
	return "", false
}

func levelTag(lvl zapcore.Level) Tag {
	switch {
	case lvl >= zapcore.ErrorLevel:
		return TagError
	case lvl == zapcore.WarnLevel:
		return TagWarning
	default:
		return TagInfo
	}
}
