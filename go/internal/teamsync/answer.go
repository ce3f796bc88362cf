package teamsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// AnswerKind tells which field of an Answer is meaningful
type AnswerKind int

const (
	AnswerNone AnswerKind = iota
	AnswerText
	AnswerChoices
	AnswerNumber
)

// Answer is a task answer. On the wire it is a JSON string, an array of
// strings (multiple choice) or a number.
type Answer struct {
	Kind    AnswerKind
	Text    string
	Choices []string
	Number  float64
}

var errEmptyAnswer = errors.New("answer is empty")

func TextAnswer(text string) Answer { return Answer{Kind: AnswerText, Text: text} }

func ChoicesAnswer(choices ...string) Answer {
	return Answer{Kind: AnswerChoices, Choices: append([]string{}, choices...)}
}

func NumberAnswer(n float64) Answer { return Answer{Kind: AnswerNumber, Number: n} }

// Equal compares the kind and the field that kind uses; choice order is
// significant and a nil choice list equals an empty one.
func (a Answer) Equal(b Answer) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case AnswerText:
		return a.Text == b.Text
	case AnswerChoices:
		return slices.Equal(a.Choices, b.Choices)
	case AnswerNumber:
		return a.Number == b.Number
	default:
		return true
	}
}

func (a Answer) String() string {
	switch a.Kind {
	case AnswerText:
		return a.Text
	case AnswerChoices:
		return "[" + strings.Join(a.Choices, ", ") + "]"
	case AnswerNumber:
		return strconv.FormatFloat(a.Number, 'f', -1, 64)
	default:
		return ""
	}
}

func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case AnswerText:
		return json.Marshal(a.Text)
	case AnswerChoices:
		if a.Choices == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.Choices)
	case AnswerNumber:
		return json.Marshal(a.Number)
	default:
		return nil, errEmptyAnswer
	}
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return errEmptyAnswer
	}

	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*a = TextAnswer(text)
	case '[':
		var choices []string
		if err := json.Unmarshal(data, &choices); err != nil {
			return fmt.Errorf("decode choices: %w", err)
		}
		*a = ChoicesAnswer(choices...)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decode number answer: %w", err)
		}
		*a = NumberAnswer(n)
	}
	return nil
}

// Consensus reports the agreed answer when at least minVoters votes exist and
// every vote's answer equals the first one. minVoters below 1 counts as 1.
func Consensus(votes []TaskVote, minVoters int) (Answer, bool) {
	if minVoters < 1 {
		minVoters = 1
	}
	if len(votes) == 0 || len(votes) < minVoters {
		return Answer{}, false
	}

	first := votes[0].Answer
	for _, v := range votes[1:] {
		if !v.Answer.Equal(first) {
			return Answer{}, false
		}
	}
	return first, true
}
