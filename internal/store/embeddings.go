package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// ScoredMessage is a message ranked by similarity to a query vector.
type ScoredMessage struct {
	Message
	Score float32 `json:"score"`
}

// SaveEmbedding stores or replaces the vector of one message.
func (s *Store) SaveEmbedding(ctx context.Context, messageID, conversationID string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("save embedding: empty vector")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO message_embeddings (message_id, conversation_id, embedding, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET embedding = excluded.embedding`,
		messageID, conversationID, encodeFloat32s(vector), s.now())
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

// SimilarMessages ranks a conversation's embedded messages by cosine similarity.
func (s *Store) SimilarMessages(ctx context.Context, conversationID string, vector []float32, limit int) ([]ScoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT m.id, m.conversation_id, m.role, m.content, m.metadata, m.reactions,
		m.created_at, e.embedding
		FROM message_embeddings e JOIN messages m ON m.id = e.message_id
		WHERE e.conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("similar messages: %w", err)
	}
	defer rows.Close()

	var candidates []ScoredMessage
	for rows.Next() {
		var m Message
		var meta, reactions string
		var blob []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &meta, &reactions, &m.CreatedAt, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		stored := decodeFloat32s(blob)
		if len(stored) != len(vector) {
			continue // dimension mismatch, skip
		}
		m.Metadata = unmarshalMap(meta)
		m.Reactions = splitReactions(reactions)
		candidates = append(candidates, ScoredMessage{Message: m, Score: cosineSimilarity(vector, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloat32s(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
