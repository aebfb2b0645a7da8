package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type tokenizerJSON struct {
	Model struct {
		Type         string          `json:"type"`
		Vocab        json.RawMessage `json:"vocab"`
		Merges       json.RawMessage `json:"merges"` // []string or [][]string
		ByteFallback bool            `json:"byte_fallback"`
	} `json:"model"`
	PreTokenizer json.RawMessage `json:"pre_tokenizer"`
	Decoder      json.RawMessage `json:"decoder"`
	AddedTokens  []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// Load parses a HuggingFace tokenizer.json document.
func Load(r io.Reader) (*Definition, error) {
	var raw tokenizerJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, &LoadError{Reason: "failed to parse tokenizer", Err: err}
	}

	switch raw.Model.Type {
	case "BPE", "Unigram", "WordLevel", "":
	default:
		return nil, loadError("unsupported tokenizer type: %s", raw.Model.Type)
	}

	vocab, err := parseVocab(raw.Model.Vocab)
	if err != nil {
		return nil, err
	}

	merges, err := parseMerges(raw.Model.Merges)
	if err != nil {
		return nil, err
	}

	def := Definition{Merges: merges}

	grow := func(id int32) error {
		if id < 0 {
			return loadError("negative token id %d", id)
		}
		for int(id) >= len(def.Tokens) {
			def.Tokens = append(def.Tokens, "")
			def.Special = append(def.Special, false)
		}
		return nil
	}

	for token, id := range vocab {
		if err := grow(id); err != nil {
			return nil, err
		}
		def.Tokens[id] = token
	}

	for _, tok := range raw.AddedTokens {
		if err := grow(tok.ID); err != nil {
			return nil, err
		}
		def.Tokens[tok.ID] = tok.Content
		def.Special[tok.ID] = tok.Special
	}

	if len(def.Tokens) == 0 {
		return nil, loadError("empty vocabulary")
	}

	switch {
	case detectSentencePiece(raw.Decoder, raw.PreTokenizer) || raw.Model.ByteFallback:
		def.Encoding = SentencePiece
	case detectByteLevel(raw.Decoder, raw.PreTokenizer):
		def.Encoding = ByteLevel
		def.Pretokenizer = extractPretokenizer(raw.PreTokenizer)
	default:
		def.Encoding = Raw
	}

	return &def, nil
}

func parseVocab(data json.RawMessage) (map[string]int32, error) {
	if len(data) == 0 {
		return nil, loadError("tokenizer has no vocab")
	}

	var vocab map[string]int32
	if err := json.Unmarshal(data, &vocab); err == nil {
		return vocab, nil
	}

	// Unigram: [["piece", score], ...] where the id is the position
	var pieces [][]any
	if err := json.Unmarshal(data, &pieces); err != nil {
		return nil, &LoadError{Reason: "failed to parse vocab", Err: err}
	}

	vocab = make(map[string]int32, len(pieces))
	for i, p := range pieces {
		if len(p) == 0 {
			continue
		}
		if s, ok := p[0].(string); ok {
			vocab[s] = int32(i)
		}
	}
	return vocab, nil
}

func parseMerges(data json.RawMessage) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var merges []string
	if err := json.Unmarshal(data, &merges); err == nil {
		return merges, nil
	}

	var pairs [][]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, &LoadError{Reason: "failed to parse merges", Err: err}
	}

	merges = make([]string, len(pairs))
	for i, pair := range pairs {
		if len(pair) != 2 {
			return nil, loadError("expected merge pair of length 2, got %d", len(pair))
		}
		merges[i] = pair[0] + " " + pair[1]
	}
	return merges, nil
}

type component struct {
	Type    string `json:"type"`
	Pattern struct {
		String string `json:"String"`
		Regex  string `json:"Regex"`
	} `json:"pattern"`
	Replacement   string      `json:"replacement"`
	Decoders      []component `json:"decoders"`
	Pretokenizers []component `json:"pretokenizers"`
}

func components(data json.RawMessage) []component {
	if len(data) == 0 {
		return nil
	}

	var c component
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}

	all := []component{c}
	all = append(all, c.Decoders...)
	all = append(all, c.Pretokenizers...)
	return all
}

// detectSentencePiece checks if the decoder uses SentencePiece-style (▁ for spaces)
func detectSentencePiece(decoder, pretokenizer json.RawMessage) bool {
	for _, c := range components(decoder) {
		if c.Type == "Metaspace" || (c.Type == "Replace" && c.Pattern.String == spmWhitespaceSep) {
			return true
		}
	}
	for _, c := range components(pretokenizer) {
		if c.Type == "Metaspace" {
			return true
		}
	}
	return false
}

func detectByteLevel(decoder, pretokenizer json.RawMessage) bool {
	for _, c := range append(components(decoder), components(pretokenizer)...) {
		if c.Type == "ByteLevel" {
			return true
		}
	}
	return false
}

func extractPretokenizer(data json.RawMessage) string {
	for _, c := range components(data) {
		if c.Type == "Split" && c.Pattern.Regex != "" {
			return c.Pattern.Regex
		}
	}
	return ""
}

// LoadDir reads tokenizer.json from dir along with whichever of
// generation_config.json, config.json and tokenizer_config.json are present,
// in that order of priority, to find the EOS and BOS tokens.
func LoadDir(dir string) (*Definition, error) {
	f, err := os.Open(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	def, err := Load(f)
	if err != nil {
		var lerr *LoadError
		if errors.As(err, &lerr) {
			lerr.Source = f.Name()
		}
		return nil, err
	}

	spelled := make(map[string]int32, len(def.Tokens))
	for i, s := range def.Tokens {
		if s != "" {
			spelled[s] = int32(i)
		}
	}

	for _, name := range []string{"generation_config.json", "config.json"} {
		var cfg struct {
			EOSTokenID any `json:"eos_token_id"`
			BOSTokenID any `json:"bos_token_id"`
		}
		if !readJSON(filepath.Join(dir, name), &cfg) {
			continue
		}
		if len(def.EOS) == 0 {
			def.EOS = parseTokenIDs(cfg.EOSTokenID)
		}
		if len(def.BOS) == 0 {
			def.BOS = parseTokenIDs(cfg.BOSTokenID)
		}
	}

	var tokConfig struct {
		BOSToken    any   `json:"bos_token"`
		EOSToken    any   `json:"eos_token"`
		AddBOSToken *bool `json:"add_bos_token"`
	}
	if readJSON(filepath.Join(dir, "tokenizer_config.json"), &tokConfig) {
		if id, ok := spelled[extractTokenString(tokConfig.EOSToken)]; ok && len(def.EOS) == 0 {
			def.EOS = []int32{id}
		}
		if id, ok := spelled[extractTokenString(tokConfig.BOSToken)]; ok && len(def.BOS) == 0 {
			def.BOS = []int32{id}
		}
		if tokConfig.AddBOSToken != nil {
			def.AddBOS = *tokConfig.AddBOSToken
		}
	}

	return def, nil
}

func readJSON(path string, v any) bool {
	bts, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(bts, v) == nil
}

func parseTokenIDs(v any) []int32 {
	switch val := v.(type) {
	case float64:
		return []int32{int32(val)}
	case []any:
		ids := make([]int32, 0, len(val))
		for _, id := range val {
			if f, ok := id.(float64); ok {
				ids = append(ids, int32(f))
			}
		}
		return ids
	}
	return nil
}

// extractTokenString extracts the token string from various formats used in HuggingFace configs.
// Tokens can be represented as:
//   - string: "token"
//   - object: {"content": "token", ...}
func extractTokenString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}

// LoadVocabulary is LoadDir followed by New.
func LoadVocabulary(dir string) (*Vocabulary, error) {
	def, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}

	v, err := New(*def)
	if err != nil {
		var lerr *LoadError
		if errors.As(err, &lerr) && lerr.Source == "" {
			lerr.Source = dir
		}
		return nil, fmt.Errorf("build vocabulary: %w", err)
	}
	return v, nil
}
