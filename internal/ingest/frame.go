// Frame validation and minimal field extraction. The gateway does not
// fully parse the wire form: it verifies the checksum trailer, scans
// out the partition key and the handful of fields the envelope needs,
// and forwards the raw bytes untouched for replay.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tradecore/eodstream/internal/model"
)

// Frame is one raw wire frame as received by the gateway.
type Frame struct {
	Body        []byte
	ReceiveTick int64 // monotonic tick at receipt
	Received    time.Time
}

const soh = '\x01'

var (
	ErrNoChecksum  = errors.New("frame missing checksum trailer")
	ErrBadChecksum = errors.New("frame checksum mismatch")
)

// checksumTag marks the trailer; everything before it is summed.
var checksumTag = []byte("10=")

// ValidateChecksum verifies the mod-256 byte sum in the trailer
// against the frame body.
func ValidateChecksum(body []byte) error {
	idx := bytes.LastIndex(body, checksumTag)
	// The trailer must start the frame or follow a field delimiter.
	for idx > 0 && body[idx-1] != soh {
		prev := bytes.LastIndex(body[:idx], checksumTag)
		if prev < 0 {
			return ErrNoChecksum
		}
		idx = prev
	}
	if idx < 0 {
		return ErrNoChecksum
	}

	declared, err := strconv.Atoi(trimTrailer(body[idx+len(checksumTag):]))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoChecksum, err)
	}

	var sum int
	for _, b := range body[:idx] {
		sum += int(b)
	}
	if sum%256 != declared {
		return fmt.Errorf("%w: computed %d, declared %d", ErrBadChecksum, sum%256, declared)
	}
	return nil
}

func trimTrailer(v []byte) string {
	if i := bytes.IndexByte(v, soh); i >= 0 {
		v = v[:i]
	}
	return string(v)
}

// Checksum computes the trailer value for body (everything up to and
// excluding the trailer itself). Used by tests and the replay tooling.
func Checksum(body []byte) int {
	var sum int
	for _, b := range body {
		sum += int(b)
	}
	return sum % 256
}

// Meta is the minimal field set scanned from a frame.
type Meta struct {
	ExecID        string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          model.Side
	Quantity      int64
	PriceMantissa int64
	Account       string
	TraderID      string
	StrategyCode  string
	Exchange      string
	ExecTimestamp time.Time
	SeqNum        int64
}

// Wire tags scanned by the gateway. Trader and strategy ride in the
// session sub-id and a venue-private tag respectively.
const (
	tagExecID   = "17"
	tagOrderID  = "37"
	tagClOrdID  = "11"
	tagSymbol   = "55"
	tagSide     = "54"
	tagQty      = "32"
	tagPrice    = "31"
	tagAccount  = "1"
	tagExchange = "30"
	tagTraderID = "50"
	tagStrategy = "7928"
	tagTransact = "60"
	tagSeqNum   = "34"
)

const transactTimeLayout = "20060102-15:04:05.000"

// ExtractMeta scans body for the envelope fields in a single set of
// delimiter-bounded searches. Absent fields stay zero; validation of
// required fields belongs to the consumers.
func ExtractMeta(body []byte) Meta {
	m := Meta{
		ExecID:        fieldValue(body, tagExecID),
		OrderID:       fieldValue(body, tagOrderID),
		ClientOrderID: fieldValue(body, tagClOrdID),
		Symbol:        fieldValue(body, tagSymbol),
		Account:       fieldValue(body, tagAccount),
		TraderID:      fieldValue(body, tagTraderID),
		StrategyCode:  fieldValue(body, tagStrategy),
		Exchange:      fieldValue(body, tagExchange),
	}
	m.Side = parseSide(fieldValue(body, tagSide))
	m.Quantity, _ = strconv.ParseInt(fieldValue(body, tagQty), 10, 64)
	m.SeqNum, _ = strconv.ParseInt(fieldValue(body, tagSeqNum), 10, 64)
	m.PriceMantissa, _ = ParsePriceMantissa(fieldValue(body, tagPrice))
	if v := fieldValue(body, tagTransact); v != "" {
		if ts, err := time.Parse(transactTimeLayout, v); err == nil {
			m.ExecTimestamp = ts
		}
	}
	return m
}

// fieldValue returns the value of tag, or "" when absent.
func fieldValue(body []byte, tag string) string {
	needle := []byte(tag + "=")
	from := 0
	for {
		i := bytes.Index(body[from:], needle)
		if i < 0 {
			return ""
		}
		i += from
		if i == 0 || body[i-1] == soh {
			start := i + len(needle)
			end := bytes.IndexByte(body[start:], soh)
			if end < 0 {
				return string(body[start:])
			}
			return string(body[start : start+end])
		}
		from = i + len(needle)
	}
}

func parseSide(v string) model.Side {
	switch v {
	case "1":
		return model.SideBuy
	case "2":
		return model.SideSell
	case "5":
		return model.SideSellShort
	case "6":
		return model.SideSellShortExempt
	default:
		return model.SideUnspecified
	}
}

// ParsePriceMantissa converts a decimal price string to a 1e-8
// mantissa using pure integer arithmetic.
func ParsePriceMantissa(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("empty price")
	}
	neg := false
	if v[0] == '-' {
		neg = true
		v = v[1:]
	}
	whole := v
	frac := ""
	if i := indexByteStr(v, '.'); i >= 0 {
		whole, frac = v[:i], v[i+1:]
	}
	if len(frac) > 8 {
		frac = frac[:8]
	}
	for len(frac) < 8 {
		frac += "0"
	}

	w, err := parseDigits(whole)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", v, err)
	}
	f, err := parseDigits(frac)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", v, err)
	}
	mantissa := w*100_000_000 + f
	if neg {
		mantissa = -mantissa
	}
	return mantissa, nil
}

func parseDigits(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func indexByteStr(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
