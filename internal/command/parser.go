package command

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"detectorctl/pkg/wire"
)

// MaxWaitSeconds bounds the histogram/list_mode/trace wait parameter,
// per spec.md §6.
const MaxWaitSeconds = 3600

var channelNames = map[string]wire.HafxChannel{
	"c1": wire.ChannelC1,
	"m1": wire.ChannelM1,
	"m5": wire.ChannelM5,
	"x1": wire.ChannelX1,
}

// tokenizer is a minimal hand-rolled, whitespace-splitting cursor over a
// command line, mirroring the original's `stringstream >> token`
// extraction loop (Listener.cc) rather than a parser-combinator library.
type tokenizer struct {
	fields []string
	pos    int
}

func newTokenizer(line string) *tokenizer {
	return &tokenizer{fields: strings.Fields(line)}
}

func (t *tokenizer) next() (string, bool) {
	if t.pos >= len(t.fields) {
		return "", false
	}
	v := t.fields[t.pos]
	t.pos++
	return v, true
}

func (t *tokenizer) rest() []string {
	if t.pos >= len(t.fields) {
		return nil
	}
	r := t.fields[t.pos:]
	t.pos = len(t.fields)
	return r
}

func (t *tokenizer) nextUint(bitSize int) (uint64, error) {
	s, ok := t.next()
	if !ok {
		return 0, fmt.Errorf("expected a number, got end of command")
	}
	v, err := strconv.ParseUint(s, 10, bitSize)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q", s)
	}
	return v, nil
}

// Parse tokenizes one control-socket datagram and constructs the
// corresponding Command. notAlive gates the not-initialized command
// subset per spec.md §4.6: only terminate/wake/sleep and any
// stop-*/sleep* prefixed command are accepted.
//
// A nil Command with a nil error means "no-op; no change" (used for the
// not-alive stop-*/sleep* carve-out), matching Listener::receive_decode_msg's
// std::optional<DetectorCommand>{} return.
func Parse(line string, notAlive bool) (Command, error) {
	t := newTokenizer(line)
	name, ok := t.next()
	if !ok {
		return nil, Validationf("empty command")
	}

	if notAlive && name != "terminate" && name != "wake" {
		if strings.HasPrefix(name, "stop-") || strings.HasPrefix(name, "sleep") {
			return nil, nil
		}
		return nil, Validationf("bad command given to sleeping detector: " + name)
	}

	switch name {
	case "terminate":
		return terminate{}, nil
	case "wake":
		return Initialize{}, nil
	case "sleep":
		return Shutdown{}, nil
	case "start-nominal":
		return CollectNominal{Started: false}, nil
	case "stop-nominal":
		return StopNominal{}, nil
	case "start-nrl-list":
		return StartNrlList{Started: false, FullSize: false}, nil
	case "start-nrl-full-size-list":
		return StartNrlList{Started: false, FullSize: true}, nil
	case "stop-nrl-list":
		return StopNrlList{}, nil
	case "settings-update":
		return parseSettingsUpdate(t)
	case "debug":
		return parseDebug(t)
	case "start-periodic-health":
		return parseStartPeriodicHealth(t)
	case "stop-periodic-health":
		return StopPeriodicHealth{}, nil
	default:
		return nil, Validationf("cannot process given command: " + name)
	}
}

// terminate is recognized by Parse but handled directly by the listener
// (it replies and exits before ever reaching the queue); it is not
// dispatched to the coordinator.
type terminate struct{ base }

// IsTerminate reports whether cmd is the terminate sentinel.
func IsTerminate(cmd Command) bool {
	_, ok := cmd.(terminate)
	return ok
}

func parseSettingsUpdate(t *tokenizer) (Command, error) {
	detector, ok := t.next()
	if !ok {
		return nil, Validationf("missing detector for settings-update")
	}
	switch detector {
	case "x123":
		return parseX123Settings(t)
	case "hafx":
		return parseHafxSettings(t)
	default:
		return nil, Validationf("malformed settings detector identifier: " + detector)
	}
}

func parseX123Settings(t *tokenizer) (Command, error) {
	field, ok := t.next()
	if !ok {
		return nil, Validationf("missing x123 settings field")
	}
	var ret X123Settings
	switch field {
	case "adc_rebin_edges":
		edges, err := parseUint32List(t.rest())
		if err != nil {
			return nil, err
		}
		ret.AdcRebinEdgesLength = uint16(min(len(edges), len(ret.AdcRebinEdges)))
		copy(ret.AdcRebinEdges[:], edges[:ret.AdcRebinEdgesLength])
	case "ack_err_retries":
		v, err := t.nextUint(32)
		if err != nil {
			return nil, Validationf(err.Error())
		}
		ret.AckErrRetriesPresent = true
		ret.AckErrRetries = uint32(v)
	case "ascii_settings":
		tok, ok := t.next()
		if !ok {
			return nil, Validationf("no x123 ascii settings token given")
		}
		ret.AsciiSettingsLength = uint16(min(len(tok), len(ret.AsciiSettings)))
		copy(ret.AsciiSettings[:], tok[:ret.AsciiSettingsLength])
	default:
		return nil, Validationf("invalid x123 settings modifier '" + field + "'")
	}
	return ret, nil
}

func parseHafxSettings(t *tokenizer) (Command, error) {
	chTok, ok := t.next()
	if !ok {
		return nil, Validationf("missing hafx channel for settings-update")
	}
	ch, ok := channelNames[chTok]
	if !ok {
		return nil, Validationf("ill-formed detector for settings update '" + chTok + "' given")
	}
	ret := HafxSettings{Channel: ch}

	field, ok := t.next()
	if !ok {
		return nil, Validationf("missing hafx settings field")
	}
	switch field {
	case "fpga_ctrl":
		vals, err := parseUint16List(t.rest(), len(ret.FpgaCtrl))
		if err != nil {
			return nil, err
		}
		ret.FpgaCtrlPresent = true
		copy(ret.FpgaCtrl[:], vals)
	case "fpga_weights":
		vals, err := parseUint16List(t.rest(), len(ret.FpgaWeights))
		if err != nil {
			return nil, err
		}
		ret.FpgaWeightsPresent = true
		copy(ret.FpgaWeights[:], vals)
	case "arm_ctrl":
		vals, err := parseFloat32List(t.rest(), len(ret.ArmCtrl))
		if err != nil {
			return nil, err
		}
		ret.ArmCtrlPresent = true
		copy(ret.ArmCtrl[:], vals)
	case "arm_cal":
		vals, err := parseFloat32List(t.rest(), len(ret.ArmCal))
		if err != nil {
			return nil, err
		}
		ret.ArmCalPresent = true
		copy(ret.ArmCal[:], vals)
	case "adc_rebin_edges":
		edges, err := parseUint16ListUnbounded(t.rest())
		if err != nil {
			return nil, err
		}
		ret.AdcRebinEdgesLength = uint16(min(len(edges), len(ret.AdcRebinEdges)))
		copy(ret.AdcRebinEdges[:], edges[:ret.AdcRebinEdgesLength])
	default:
		return nil, Validationf("invalid settings modifier '" + field + "'")
	}
	return ret, nil
}

func parseDebug(t *tokenizer) (Command, error) {
	detector, ok := t.next()
	if !ok {
		return nil, Validationf("missing detector for debug")
	}
	switch detector {
	case "x123":
		return parseX123Debug(t)
	case "hafx":
		return parseHafxDebug(t)
	default:
		return nil, Validationf("detector choice '" + detector + "' not valid for debug")
	}
}

func parseX123Debug(t *tokenizer) (Command, error) {
	typ, ok := t.next()
	if !ok {
		return nil, Validationf("missing x123 debug type")
	}

	var ret X123Debug
	switch typ {
	case "histogram":
		v, err := t.nextUint(32)
		if err != nil || v == 0 || v > MaxWaitSeconds {
			return nil, Validationf("debug histogram must be given in-bounds collection duration")
		}
		ret.Type = X123DebugHistogram
		ret.HistogramWaitSecond = uint32(v)
	case "diagnostic":
		ret.Type = X123DebugDiagnostic
	case "ascii_settings":
		q, ok := t.next()
		if !ok || q == "" {
			return nil, Validationf("no x123 ascii settings given")
		}
		ret.Type = X123DebugAsciiSettings
		ret.AsciiSettingsQuery = q
	default:
		return nil, Validationf("invalid x123 debug type '" + typ + "'")
	}
	return ret, nil
}

var hafxDebugTypes = map[string]HafxDebugType{
	"arm_ctrl":                HafxDebugArmCtrl,
	"arm_cal":                 HafxDebugArmCal,
	"arm_status":              HafxDebugArmStatus,
	"fpga_ctrl":               HafxDebugFpgaCtrl,
	"fpga_oscilloscope_trace": HafxDebugFpgaOscilloscopeTrace,
	"fpga_statistics":         HafxDebugFpgaStatistics,
	"fpga_weights":            HafxDebugFpgaWeights,
	"histogram":               HafxDebugHistogram,
	"list_mode":               HafxDebugListMode,
}

func parseHafxDebug(t *tokenizer) (Command, error) {
	chTok, ok := t.next()
	if !ok {
		return nil, Validationf("missing hafx channel for debug")
	}
	ch, ok := channelNames[chTok]
	if !ok {
		return nil, Validationf("ill-formed detector choice for debug '" + chTok + "' given")
	}

	typ, ok := t.next()
	if !ok {
		return nil, Validationf("missing hafx debug type")
	}
	var wait uint64
	needsWait := typ == "histogram" || typ == "list_mode"
	if needsWait {
		var err error
		wait, err = t.nextUint(32)
		if err != nil || wait == 0 || wait > MaxWaitSeconds {
			return nil, Validationf("debug histogram/list_mode must be given in-bounds collection duration")
		}
	}

	dt, ok := hafxDebugTypes[typ]
	if !ok {
		return nil, Validationf("ill-formed debug request type '" + typ + "'")
	}

	return HafxDebug{Channel: ch, Type: dt, WaitBetween: uint32(wait)}, nil
}

func parseStartPeriodicHealth(t *tokenizer) (Command, error) {
	sec, err := t.nextUint(32)
	if err != nil || sec == 0 {
		return nil, Validationf("need to provide valid wait time between health packet acquisitions. (>= 1 s)")
	}

	var dests []*net.UDPAddr
	for _, s := range t.rest() {
		addr, err := parseIPPort(s)
		if err != nil {
			return nil, Validationf(err.Error())
		}
		dests = append(dests, addr)
	}
	if len(dests) == 0 {
		return nil, Validationf("need at least one address to send health data to.")
	}

	return StartPeriodicHealth{SecondsBetween: uint32(sec), Destinations: dests}, nil
}

func parseIPPort(s string) (*net.UDPAddr, error) {
	host, portStr, found := strings.Cut(s, ":")
	if !found {
		return nil, fmt.Errorf("can't find port from ip string")
	}
	if host == "localhost" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad port in %q", s)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("bad ip in %q", s)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

func parseUint16List(tokens []string, max int) ([]uint16, error) {
	out := make([]uint16, 0, len(tokens))
	for _, tok := range tokens {
		if len(out) >= max {
			break
		}
		v, err := strconv.ParseUint(tok, 10, 16)
		if err != nil {
			return nil, Validationf("expected a uint16, got " + tok)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}

func parseUint16ListUnbounded(tokens []string) ([]uint16, error) {
	out := make([]uint16, 0, len(tokens))
	for _, tok := range tokens {
		v, err := strconv.ParseUint(tok, 10, 16)
		if err != nil {
			return nil, Validationf("expected a uint16, got " + tok)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}

func parseUint32List(tokens []string) ([]uint32, error) {
	out := make([]uint32, 0, len(tokens))
	for _, tok := range tokens {
		v, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			return nil, Validationf("expected a uint32, got " + tok)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

func parseFloat32List(tokens []string, max int) ([]float32, error) {
	out := make([]float32, 0, len(tokens))
	for _, tok := range tokens {
		if len(out) >= max {
			break
		}
		v, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			return nil, Validationf("expected a float, got " + tok)
		}
		out = append(out, float32(v))
	}
	return out, nil
}
