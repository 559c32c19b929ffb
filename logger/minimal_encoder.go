package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/grimoire/sym"
)

// Everforest Dark color palette (natural forest greens, easy on eyes)
const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"

	fgSoft      = "\x1b[38;5;223m" // Soft beige (#d3c6aa)
	greenBright = "\x1b[38;5;108m" // Bright green (#a7c080)
	greenMid    = "\x1b[38;5;107m" // Mid green (#83c092) - timestamps
	greenDeep   = "\x1b[38;5;65m"  // Deep green (#7fbbb3)
	aqua        = "\x1b[38;5;109m" // Blue-green (#7fbbb3) - IDs
	orange      = "\x1b[38;5;208m" // Warm orange (#e69875) - components
	yellow      = "\x1b[38;5;179m" // Soft yellow (#dbbc7f) - warnings
	red         = "\x1b[38;5;167m" // Warm red (#e67e80) - errors
	redBg       = "\x1b[48;5;52m"
	yellowBg    = "\x1b[48;5;58m"
)

// minimalEncoder implements a calm, compact console encoder.
// Format: "13:04:35  p.chain  Served stale entry  g-1042 support 12ms"
type minimalEncoder struct {
	zapcore.Encoder // Embed a base encoder for field serialization
	buf             *buffer.Buffer
}

func newMinimalEncoder() *minimalEncoder {
	// Create a base JSON encoder for field serialization (internal use only)
	baseEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	return &minimalEncoder{
		Encoder: baseEncoder,
		buf:     buffer.NewPool().Get(),
	}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	return &minimalEncoder{
		Encoder: enc.Encoder.Clone(),
		buf:     buffer.NewPool().Get(),
	}
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := buffer.NewPool().Get()

	// Time
	final.AppendString(greenMid)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	// Level: only show for WARN/ERROR with bold + background
	if ent.Level != zapcore.InfoLevel && ent.Level != zapcore.DebugLevel {
		final.AppendString("  ")
		final.AppendString(levelColorString(ent.Level))
	}

	// Component name (abbreviated) for visual grouping
	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(colorComponent(ent.LoggerName))
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	// Message with subsystem glyphs highlighted
	final.AppendString("  ")
	final.AppendString(fgSoft)
	final.AppendString(colorizeSymbols(ent.Message))
	final.AppendString(colorReset)

	// Fields: extract and color the values an operator scans for
	if len(fields) > 0 {
		if extracted := extractFieldValues(fields); extracted != "" {
			final.AppendString("  ")
			final.AppendString(extracted)
		}
	}

	final.AppendString("\n")
	return final, nil
}

// levelColorString returns bold + colored + background for WARN/ERROR
func levelColorString(level zapcore.Level) string {
	switch level {
	case zapcore.WarnLevel:
		return colorBold + yellowBg + yellow + "WARN" + colorReset
	case zapcore.ErrorLevel:
		return colorBold + redBg + red + "ERROR" + colorReset
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return colorBold + redBg + red + level.CapitalString() + colorReset
	default:
		return ""
	}
}

// colorComponent hashes the component name to a stable color so each
// subsystem groups visually in mixed output.
func colorComponent(name string) string {
	hash := 0
	for _, c := range name {
		hash += int(c)
	}
	switch hash % 3 {
	case 0:
		return greenBright
	case 1:
		return greenDeep
	default:
		return orange
	}
}

// colorizeSymbols highlights subsystem glyphs embedded in messages
func colorizeSymbols(text string) string {
	for _, glyph := range []string{sym.Resolve, sym.Fetch, sym.Cache, sym.Refresh, sym.Fallback, sym.Guard} {
		text = strings.ReplaceAll(text, glyph, greenBright+glyph+colorReset+fgSoft)
	}
	return text
}

// abbreviateName shortens component names: prompt.chain -> p.chain
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}

// getFieldValue extracts the value from a zap field, handling different field types
func getFieldValue(field zapcore.Field) string {
	if field.Type == zapcore.StringType {
		return field.String
	}

	if field.Type == zapcore.Int64Type || field.Type == zapcore.Int32Type ||
		field.Type == zapcore.Int16Type || field.Type == zapcore.Int8Type ||
		field.Type == zapcore.Uint64Type || field.Type == zapcore.Uint32Type ||
		field.Type == zapcore.Uint16Type || field.Type == zapcore.Uint8Type {
		return fmt.Sprintf("%d", field.Integer)
	}

	if field.Interface != nil {
		return fmt.Sprintf("%v", field.Interface)
	}

	return ""
}

// extractFieldValues pulls just the values from structured fields.
// Input: {"guild_id": "g-1042", "source": "custom_stale", "duration_ms": 12}
// Output: "g-1042 custom_stale 12ms" (with colored IDs and numbers)
func extractFieldValues(fields []zapcore.Field) string {
	var values []string

	for _, field := range fields {
		switch field.Key {
		case FieldGuildID, FieldRequestID, FieldCacheKey:
			if val := getFieldValue(field); val != "" {
				values = append(values, aqua+val+colorReset)
			}
		case FieldCategory, FieldSource, FieldPath, FieldOutcome:
			if val := getFieldValue(field); val != "" {
				values = append(values, fgSoft+val+colorReset)
			}
		case FieldDurationMS:
			if val := getFieldValue(field); val != "" {
				values = append(values, greenBright+val+colorReset+fgSoft+"ms"+colorReset)
			}
		case FieldCount, FieldSize:
			if val := getFieldValue(field); val != "" {
				values = append(values, greenBright+val+colorReset)
			}
		case FieldError:
			if val := getFieldValue(field); val != "" {
				values = append(values, red+val+colorReset)
			}
		}
	}

	return strings.Join(values, " ")
}
