package teamsync

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAnswerDecodesWireForms(t *testing.T) {
	tests := []struct {
		name string
		wire string
		want Answer
	}{
		{"text", `"42"`, TextAnswer("42")},
		{"choices", `["north","east"]`, ChoicesAnswer("north", "east")},
		{"number", `42`, NumberAnswer(42)},
		{"empty choices", `[]`, ChoicesAnswer()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Answer
			if err := json.Unmarshal([]byte(tt.wire), &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
			out, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(out) != tt.wire {
				t.Fatalf("re-encoded as %s, want %s", out, tt.wire)
			}
		})
	}
}

func TestAnswerRejectsNull(t *testing.T) {
	var a Answer
	if err := json.Unmarshal([]byte("null"), &a); err == nil {
		t.Fatal("expected error for null answer")
	}
	if _, err := json.Marshal(Answer{}); err == nil {
		t.Fatal("expected error marshalling an empty answer")
	}
}

func TestAnswerEqualityIsTyped(t *testing.T) {
	if TextAnswer("42").Equal(NumberAnswer(42)) {
		t.Fatal("text and number answers must differ")
	}
	if ChoicesAnswer("a", "b").Equal(ChoicesAnswer("b", "a")) {
		t.Fatal("choice order is significant")
	}
	if !ChoicesAnswer("a", "b").Equal(ChoicesAnswer("a", "b")) {
		t.Fatal("identical choices must be equal")
	}
	if !ChoicesAnswer().Equal(Answer{Kind: AnswerChoices}) {
		t.Fatal("nil and empty choice lists must be equal")
	}
	// fields outside the answer's kind are ignored
	if !TextAnswer("x").Equal(Answer{Kind: AnswerText, Text: "x", Number: 3}) {
		t.Fatal("unused fields must not affect equality")
	}
	if NumberAnswer(1).Equal(NumberAnswer(2)) {
		t.Fatal("different numbers must differ")
	}
}

func TestConsensus(t *testing.T) {
	vote := func(device string, a Answer) TaskVote {
		return TaskVote{DeviceID: device, PointID: "p1", Answer: a}
	}

	tests := []struct {
		name      string
		votes     []TaskVote
		minVoters int
		want      bool
	}{
		{"agree", []TaskVote{vote("a", TextAnswer("X")), vote("b", TextAnswer("X"))}, 2, true},
		{"disagree", []TaskVote{vote("a", TextAnswer("X")), vote("b", TextAnswer("Y"))}, 2, false},
		{"single vote needs a second voter", []TaskVote{vote("a", TextAnswer("X"))}, 2, false},
		{"single vote with team of one", []TaskVote{vote("a", TextAnswer("X"))}, 1, true},
		{"no votes", nil, 1, false},
		{"no votes with zero threshold", nil, 0, false},
		{"choices agree", []TaskVote{vote("a", ChoicesAnswer("n", "e")), vote("b", ChoicesAnswer("n", "e"))}, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Consensus(tt.votes, tt.minVoters)
			if ok != tt.want {
				t.Fatalf("Consensus ok = %v, want %v", ok, tt.want)
			}
			if ok {
				if diff := cmp.Diff(tt.votes[0].Answer.String(), got.String()); diff != "" {
					t.Fatalf("agreed answer mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}
