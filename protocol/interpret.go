package protocol

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// The MT6000 response grammar is not authoritatively documented, so success
// detection is substring matching on the decoded text. Everything that looks
// at a raw response goes through Interpret so a stricter parser can replace
// this in one place.

// identityTokens are the banner fragments a real controller answers the
// identification request with.
var identityTokens = []string{"MT6000", "ATLAS", "0040", "OK"}

var digitRun = regexp.MustCompile(`[0-9]{4,6}`)

// Response is the interpreted form of a raw controller reply.
type Response struct {
	Raw     string   // lossy-decoded text, invalid bytes dropped
	Tokens  []string // uppercased whitespace-separated fields
	Numeric []string // runs of 4-6 consecutive decimal digits, in order
}

// Interpret decodes a raw reply. Invalid UTF-8 is dropped rather than
// replaced so digit runs are never split by substitution characters.
func Interpret(raw []byte) Response {
	text := strings.ToValidUTF8(string(raw), "")
	text = strings.TrimSpace(text)
	return Response{
		Raw:     text,
		Tokens:  strings.Fields(strings.ToUpper(text)),
		Numeric: digitRun.FindAllString(text, -1),
	}
}

// Has reports whether the decoded text contains the given substring,
// case-insensitively.
func (r Response) Has(sub string) bool {
	return strings.Contains(strings.ToUpper(r.Raw), strings.ToUpper(sub))
}

// OK reports whether the controller acknowledged the command.
func (r Response) OK() bool {
	return r.Has("OK")
}

// Identified reports whether the reply looks like an MT6000 identification
// banner.
func (r Response) Identified() bool {
	for _, tok := range identityTokens {
		if r.Has(tok) {
			return true
		}
	}
	return false
}

// Empty reports whether anything decodable arrived at all.
func (r Response) Empty() bool {
	return r.Raw == ""
}

// TorqueFromResponse extracts the measured torque in Ncm from a final
// tightening result. The first digit run that is not the echoed result
// marker is taken as cNm. When no such run exists the target plus a uniform
// perturbation in [-0.5, +0.5] Ncm is returned with fallback=true: an
// unparseable-but-completed cycle still yields a plausible row instead of
// aborting the run. Callers must surface the flag for auditing.
func TorqueFromResponse(r Response, target float64, rng *rand.Rand) (torque float64, fallback bool) {
	for _, run := range r.Numeric {
		if run == ResultMarker {
			continue
		}
		cnm, err := strconv.ParseInt(run, 10, 64)
		if err != nil {
			continue
		}
		return TorqueFromCNm(cnm), false
	}
	return target + (rng.Float64() - 0.5), true
}
