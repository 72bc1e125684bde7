package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClone_RagFieldsNotShared(t *testing.T) {
	s := NewSessionState()
	s.RagContext = []RagContextEntry{{
		SourceID: "note-1",
		Fields: map[string]any{
			"score": 0.5,
			"meta":  map[string]any{"tag": "work"},
			"spans": []any{"a"},
		},
	}}

	snap := s.Clone()
	snap.RagContext[0].Fields["score"] = 0.9
	snap.RagContext[0].Fields["meta"].(map[string]any)["tag"] = "home"
	snap.RagContext[0].Fields["spans"].([]any)[0] = "b"

	require.Equal(t, 0.5, s.RagContext[0].Fields["score"])
	require.Equal(t, "work", s.RagContext[0].Fields["meta"].(map[string]any)["tag"])
	require.Equal(t, "a", s.RagContext[0].Fields["spans"].([]any)[0])
}

func TestClone_NilFieldsStayNil(t *testing.T) {
	s := NewSessionState()
	s.RagContext = []RagContextEntry{{SourceID: "note-1", Title: "T"}}

	require.Equal(t, s.RagContext, s.Clone().RagContext)
	require.Nil(t, s.Clone().RagContext[0].Fields)
}

func TestErrorKind_IsProtocol(t *testing.T) {
	require.True(t, ErrKindProtocol.IsProtocol())
	require.True(t, ErrKindUnexpectedEnd.IsProtocol())
	require.False(t, ErrKindTransport.IsProtocol())
	require.False(t, ErrKindHTTP.IsProtocol())
	require.False(t, ErrKindImage.IsProtocol())
}
