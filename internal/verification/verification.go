// Package verification turns the attributes a face detector reports for a
// photo into the "real person" and gender labels returned to clients.
package verification

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// EyeOpenThreshold is the probability each eye must exceed to count as open.
	EyeOpenThreshold = 0.3
	// SmilingThreshold is the smiling probability above which Female is reported.
	SmilingThreshold = 0.5

	// NoFaceDetectedMessage is reported when the detector found no face.
	NoFaceDetectedMessage = "No face detected."
	failurePrefix         = "Verification failed: "
)

// Probability is a detector estimate that may be unavailable.
// The zero value is unavailable, which is distinct from a 0% estimate.
type Probability struct {
	value float64
	ok    bool
}

// Known returns an available probability.
func Known(v float64) Probability {
	return Probability{value: v, ok: true}
}

// Unavailable returns a probability the detector could not estimate.
func Unavailable() Probability {
	return Probability{}
}

// Get returns the value and whether it is available.
func (p Probability) Get() (float64, bool) {
	return p.value, p.ok
}

// Or returns the value, or fallback when unavailable.
func (p Probability) Or(fallback float64) float64 {
	if !p.ok {
		return fallback
	}
	return p.value
}

// Available reports whether the detector produced an estimate.
func (p Probability) Available() bool {
	return p.ok
}

// FaceAttributes are the per-face estimates reported by a detector.
type FaceAttributes struct {
	LeftEyeOpen  Probability
	RightEyeOpen Probability
	Smiling      Probability
}

// Gender is the categorical label derived from a face.
type Gender int

const (
	GenderMale Gender = iota + 1
	GenderFemale
	// GenderOther and GenderUnknown are part of the public vocabulary but
	// Decide never produces them; an unavailable estimate yields a nil gender.
	GenderOther
	GenderUnknown
)

var genderNames = map[Gender]string{
	GenderMale:    "MALE",
	GenderFemale:  "FEMALE",
	GenderOther:   "OTHER",
	GenderUnknown: "UNKNOWN",
}

func (g Gender) String() string {
	if name, ok := genderNames[g]; ok {
		return name
	}
	return fmt.Sprintf("Gender(%d)", int(g))
}

// MarshalText encodes the gender by name.
func (g Gender) MarshalText() ([]byte, error) {
	name, ok := genderNames[g]
	if !ok {
		return nil, fmt.Errorf("verification: invalid gender %d", int(g))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a gender name, case-insensitively.
func (g *Gender) UnmarshalText(text []byte) error {
	parsed, err := ParseGender(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// ParseGender maps a name such as "FEMALE" back to its Gender.
func ParseGender(name string) (Gender, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for g, n := range genderNames {
		if n == upper {
			return g, nil
		}
	}
	return 0, fmt.Errorf("verification: unknown gender %q", name)
}

// Result is the outcome of verifying one photo.
// A non-empty ErrorMessage implies IsRealPerson is false and Gender is nil.
type Result struct {
	IsRealPerson bool
	Gender       *Gender
	ErrorMessage string
}

// Failed reports whether the result carries an error message.
func (r Result) Failed() bool {
	return r.ErrorMessage != ""
}

type resultJSON struct {
	IsRealPerson bool    `json:"is_real_person"`
	Gender       *Gender `json:"gender"`
	ErrorMessage *string `json:"error_message"`
}

// MarshalJSON renders absent fields as null.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{IsRealPerson: r.IsRealPerson, Gender: r.Gender}
	if r.ErrorMessage != "" {
		msg := r.ErrorMessage
		out.ErrorMessage = &msg
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Result{IsRealPerson: in.IsRealPerson, Gender: in.Gender}
	if in.ErrorMessage != nil {
		r.ErrorMessage = *in.ErrorMessage
	}
	return nil
}

// Decide labels the first face found in a photo. A nil face means the
// detector found none.
//
// The gender label is inferred from the smiling probability alone. That is
// not a sound proxy for gender; treat it as a heuristic display value only.
func Decide(face *FaceAttributes) Result {
	if face == nil {
		return Result{ErrorMessage: NoFaceDetectedMessage}
	}

	leftOpen := face.LeftEyeOpen.Or(0)
	rightOpen := face.RightEyeOpen.Or(0)

	return Result{
		IsRealPerson: leftOpen > EyeOpenThreshold && rightOpen > EyeOpenThreshold,
		Gender:       genderFromSmiling(face.Smiling),
	}
}

func genderFromSmiling(smiling Probability) *Gender {
	v, ok := smiling.Get()
	if !ok {
		return nil
	}
	g := GenderMale
	if v > SmilingThreshold {
		g = GenderFemale
	}
	return &g
}

// Failed converts a detector failure into a fail-closed result.
func Failed(err error) Result {
	cause := "unknown error"
	if err != nil {
		cause = err.Error()
	}
	return Result{ErrorMessage: failurePrefix + cause}
}
