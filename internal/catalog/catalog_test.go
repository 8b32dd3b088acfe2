package catalog

import (
	"context"
	"database/sql"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxreply/internal/models"
	"taxreply/internal/storage"
	"taxreply/internal/storage/testdb"
)

func TestCatalogReads(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	caseID := testdb.InsertCase(t, db, "Muster GmbH", "Antworte förmlich.")
	docID := testdb.InsertDocument(t, db, caseID, "anfrage.pdf", "question_dr", "Text")
	round1 := testdb.InsertRound(t, db, caseID, 1)
	round2 := testdb.InsertRound(t, db, caseID, 2)
	testdb.InsertQuestion(t, db, round1, 2, "Zweite Frage", "")
	testdb.InsertQuestion(t, db, round1, 1, "Erste Frage", "Antwort")
	qID := testdb.InsertQuestion(t, db, round2, 1, "Folgefrage", "")
	c := New(db)

	gotCase, err := c.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, "Antworte förmlich.", gotCase.CustomInstruction)

	doc, err := c.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, models.DocTypeQuestion, doc.DocType)
	assert.Equal(t, "Text", doc.ExtractedText)

	q, err := c.GetQuestion(ctx, qID)
	require.NoError(t, err)
	assert.Equal(t, 2, q.RoundNumber)
	assert.Equal(t, caseID, q.CaseID)

	rounds, err := c.ListRounds(ctx, caseID)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, 1, rounds[0].Number)

	questions, err := c.ListQuestions(ctx, round1)
	require.NoError(t, err)
	require.Len(t, questions, 2)
	assert.Equal(t, "Erste Frage", questions[0].Text)
	assert.Equal(t, 1, questions[0].RoundNumber)

	_, err = c.GetQuestion(ctx, 999)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	_, err = c.GetCase(ctx, 999)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCatalogWrites(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	caseID := testdb.InsertCase(t, db, "Muster GmbH", "")
	round := testdb.InsertRound(t, db, caseID, 1)
	qID := testdb.InsertQuestion(t, db, round, 1, "Frage", "")
	c := New(db)

	require.NoError(t, c.UpdateResponse(ctx, qID, "ANSWER"))
	q, err := c.GetQuestion(ctx, qID)
	require.NoError(t, err)
	assert.Equal(t, "ANSWER", q.Response)
	assert.ErrorIs(t, c.UpdateResponse(ctx, 999, "x"), sql.ErrNoRows)

	doc := &models.Document{CaseID: caseID, Filename: "notes.txt", DocType: models.DocTypeOther}
	require.NoError(t, c.CreateDocument(ctx, doc))
	require.NotZero(t, doc.ID)
	require.NoError(t, c.SetExtractedText(ctx, doc.ID, "OCR text"))
	got, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "OCR text", got.ExtractedText)
}

func testKey() []byte {
	return []byte(strings.Repeat("k", 32))
}

func TestSettingsEncryptsAPIKeys(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	cipher, err := NewSecretCipher(testKey())
	require.NoError(t, err)
	s := NewSettings(db, storage.SQLite, cipher)

	require.NoError(t, s.Set(ctx, "openai_api_key", "sk-test"))
	require.NoError(t, s.Set(ctx, "openai_api_key", "sk-rotated"))
	require.NoError(t, s.Set(ctx, "default_instruction", "Sei präzise."))

	var raw string
	require.NoError(t, db.QueryRow(`SELECT setting_value FROM settings WHERE setting_key = 'openai_api_key'`).Scan(&raw))
	assert.NotContains(t, raw, "sk-rotated")

	v, ok, err := s.Get(ctx, "openai_api_key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-rotated", v)

	v, err = s.GetDefault(ctx, "default_instruction", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "Sei präzise.", v)

	v, err = s.GetDefault(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	require.NoError(t, s.Delete(ctx, "default_instruction"))
	_, ok, err = s.Get(ctx, "default_instruction")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettingsReadsLegacyPlaintext(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	require.NoError(t, NewSettings(db, storage.SQLite, nil).Set(ctx, "anthropic_api_key", "sk-ant-plain"))

	cipher, err := NewSecretCipher(testKey())
	require.NoError(t, err)
	v, ok, err := NewSettings(db, storage.SQLite, cipher).Get(ctx, "anthropic_api_key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-ant-plain", v)
}

func TestSettingsRefusesSecretSealedWithAnotherKey(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	old, err := NewSecretCipher(testKey())
	require.NoError(t, err)
	require.NoError(t, NewSettings(db, storage.SQLite, old).Set(ctx, "openai_api_key", "sk-old"))

	rotated, err := NewSecretCipher([]byte(strings.Repeat("r", 32)))
	require.NoError(t, err)
	v, ok, err := NewSettings(db, storage.SQLite, rotated).Get(ctx, "openai_api_key")
	assert.ErrorIs(t, err, ErrSecretUnreadable)
	assert.True(t, ok)
	assert.Empty(t, v)

	_, _, err = NewSettings(db, storage.SQLite, nil).Get(ctx, "openai_api_key")
	assert.ErrorIs(t, err, ErrSecretUnreadable)
}

func TestSecretCipherFromEnv(t *testing.T) {
	t.Setenv("TAXREPLY_TEST_KEY", "")
	_, err := NewSecretCipherFromEnv("TAXREPLY_TEST_KEY")
	assert.ErrorIs(t, err, ErrNoSecretKey)

	t.Setenv("TAXREPLY_TEST_KEY", base64.StdEncoding.EncodeToString(testKey()))
	c, err := NewSecretCipherFromEnv("TAXREPLY_TEST_KEY")
	require.NoError(t, err)
	sealed, err := c.Encrypt("geheim")
	require.NoError(t, err)
	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "geheim", plain)

	_, err = c.Decrypt("not-base64!")
	assert.Error(t, err)

	t.Setenv("TAXREPLY_TEST_KEY", "short")
	_, err = NewSecretCipherFromEnv("TAXREPLY_TEST_KEY")
	assert.Error(t, err)
}
