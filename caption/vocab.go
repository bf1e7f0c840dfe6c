package caption

import (
	"fmt"
	"strings"

	"github.com/sw965/omw/encoding/jsonx"
)

const (
	NullToken  = "<NULL>"
	StartToken = "<START>"
	EndToken   = "<END>"
)

// Vocabulary is a bijection between words and the indices [0, V).
type Vocabulary struct {
	wordToIdx map[string]int
	idxToWord []string
}

func NewVocabulary(wordToIdx map[string]int) (*Vocabulary, error) {
	if _, ok := wordToIdx[NullToken]; !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", NullToken)
	}

	v := len(wordToIdx)
	idxToWord := make([]string, v)
	seen := make([]bool, v)
	copied := make(map[string]int, v)
	for w, i := range wordToIdx {
		if i < 0 || i >= v {
			return nil, fmt.Errorf("index %d of %q out of range [0, %d)", i, w, v)
		}
		if seen[i] {
			return nil, fmt.Errorf("index %d is used by %q and %q", i, idxToWord[i], w)
		}
		seen[i] = true
		idxToWord[i] = w
		copied[w] = i
	}

	return &Vocabulary{
		wordToIdx: copied,
		idxToWord: idxToWord,
	}, nil
}

// LoadVocabulary reads a JSON object mapping words to indices.
func LoadVocabulary(path string) (*Vocabulary, error) {
	wordToIdx, err := jsonx.Load[map[string]int](path)
	if err != nil {
		return nil, fmt.Errorf("failed to load vocabulary: %w", err)
	}
	return NewVocabulary(wordToIdx)
}

func (v *Vocabulary) Size() int {
	return len(v.idxToWord)
}

func (v *Vocabulary) Null() int {
	return v.wordToIdx[NullToken]
}

func (v *Vocabulary) Start() (int, bool) {
	i, ok := v.wordToIdx[StartToken]
	return i, ok
}

func (v *Vocabulary) Index(word string) (int, bool) {
	i, ok := v.wordToIdx[word]
	return i, ok
}

func (v *Vocabulary) Word(i int) string {
	return v.idxToWord[i]
}

// Decode renders a sampled caption. Rendering stops at the first <END> and
// <NULL> tokens are skipped.
func (v *Vocabulary) Decode(idxs []int) string {
	words := make([]string, 0, len(idxs))
	for _, i := range idxs {
		w := v.idxToWord[i]
		if w == EndToken {
			break
		}
		if w == NullToken {
			continue
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func (v *Vocabulary) DecodeBatch(captions [][]int) []string {
	decoded := make([]string, len(captions))
	for i, c := range captions {
		decoded[i] = v.Decode(c)
	}
	return decoded
}
