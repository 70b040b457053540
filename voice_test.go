package creditgate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nivaro/creditgate"
	"github.com/nivaro/creditgate/provider/mock"
	"github.com/nivaro/creditgate/store/memory"
)

func newVoicePipeline(t *testing.T, store creditgate.Store, provider creditgate.Provider, tr creditgate.Transcriber) *creditgate.VoicePipeline {
	t.Helper()
	gateway := creditgate.NewGateway(provider, "test-model")
	v, err := creditgate.NewVoicePipeline(creditgate.DefaultConfig(), store, gateway, tr)
	require.NoError(t, err)
	return v
}

var sampleAudio = []byte{0x4f, 0x67, 0x67, 0x53}

func TestVoiceTransaction(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)

	extractor := mock.New(mock.WithText(`{"type": "expense", "amount": "12.50", "description": "coffee", "categoryName": "Food"}`))
	tr := mock.NewTranscriber(mock.WithTranscript("spent twelve fifty on coffee"))
	v := newVoicePipeline(t, store, extractor, tr)

	res, err := v.Process(context.Background(), "u1", sampleAudio, "note.ogg", "audio/ogg")
	require.NoError(t, err)

	assert.Equal(t, "spent twelve fifty on coffee", res.Transcription)
	assert.Equal(t, "expense", res.Parsed.Type)
	assert.True(t, res.Parsed.Amount.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, "coffee", res.Parsed.Description)
	assert.Equal(t, "Food", res.Parsed.CategoryName)
	assert.Equal(t, int64(2), res.CreditsCharged)
	assert.Equal(t, int64(3), res.BalanceAfter)

	// One journal row and one ledger entry cover both steps.
	records, err := store.Recent(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "voice", records[0].RequestType)
	assert.Equal(t, int64(2), records[0].CreditsCharged)
	assert.Equal(t, "spent twelve fifty on coffee", records[0].InputText)

	txns := store.Transactions("u1")
	require.Len(t, txns, 1)
	assert.Equal(t, creditgate.ReasonVoice, txns[0].Reason)
	assert.Equal(t, "mock", txns[0].Source)
}

func TestVoiceMeterSeesEvents(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	meter := &recordingMeter{}

	extractor := mock.New(mock.WithText(`{"type": "expense", "amount": "4.00", "description": "bus", "categoryName": "Transport"}`))
	gateway := creditgate.NewGateway(extractor, "test-model")
	v, err := creditgate.NewVoicePipeline(creditgate.DefaultConfig(), store, gateway,
		mock.NewTranscriber(), creditgate.WithVoiceMeter(meter))
	require.NoError(t, err)

	_, err = v.Process(context.Background(), "u1", sampleAudio, "note.ogg", "audio/ogg")
	require.NoError(t, err)

	require.Len(t, meter.calls, 1)
	assert.True(t, meter.calls[0].Success)
	require.Len(t, meter.charges, 1)
	assert.Equal(t, int64(-2), meter.charges[0].Delta)
	assert.Equal(t, creditgate.ReasonVoice, meter.charges[0].Reason)
}

func TestVoiceEmptyAudio(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	v := newVoicePipeline(t, store, mock.New(), mock.NewTranscriber())

	_, err := v.Process(context.Background(), "u1", nil, "note.ogg", "audio/ogg")
	assert.ErrorIs(t, err, creditgate.ErrInvalidRequest)
}

func TestVoiceInsufficientCredits(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 1) // the flat cost is 2
	tr := mock.NewTranscriber()
	v := newVoicePipeline(t, store, mock.New(), tr)

	_, err := v.Process(context.Background(), "u1", sampleAudio, "note.ogg", "audio/ogg")
	assert.ErrorIs(t, err, creditgate.ErrInsufficientCredits)
	assert.Equal(t, int64(0), tr.TranscribeCount(), "rejection must happen before transcription")
}

func TestVoiceEmptyTranscription(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	extractor := mock.New()
	v := newVoicePipeline(t, store, extractor, mock.NewTranscriber(mock.WithTranscript("   \n")))

	_, err := v.Process(context.Background(), "u1", sampleAudio, "note.ogg", "audio/ogg")
	assert.ErrorIs(t, err, creditgate.ErrEmptyTranscription)
	assert.Equal(t, int64(0), extractor.CallCount(), "silence must not reach the extraction model")

	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestVoiceTranscriptionFailureNotRetried(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	tr := mock.NewTranscriber(mock.WithTranscribeError(errors.New("decode error")))
	v := newVoicePipeline(t, store, mock.New(), tr)

	_, err := v.Process(context.Background(), "u1", sampleAudio, "note.ogg", "audio/ogg")
	require.Error(t, err)
	assert.Equal(t, int64(1), tr.TranscribeCount())
}

func TestVoiceUnparsableOutput(t *testing.T) {
	store := memory.New()
	store.SetBalance("u1", 5)
	extractor := mock.New(mock.WithText("I could not understand the audio, sorry."))
	v := newVoicePipeline(t, store, extractor, mock.NewTranscriber())

	_, err := v.Process(context.Background(), "u1", sampleAudio, "note.ogg", "audio/ogg")
	assert.ErrorIs(t, err, creditgate.ErrUnparsableResult)

	balance, err := store.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance, "a failed parse must not charge")
}

func TestParseTransaction(t *testing.T) {
	t.Run("clean json", func(t *testing.T) {
		got, err := creditgate.ParseTransaction(`{"type": "income", "amount": 250, "description": "salary", "categoryName": "Work"}`)
		require.NoError(t, err)
		assert.Equal(t, "income", got.Type)
		assert.True(t, got.Amount.Equal(decimal.NewFromInt(250)))
	})

	t.Run("fenced json", func(t *testing.T) {
		got, err := creditgate.ParseTransaction("```json\n{\"type\": \"expense\", \"amount\": 9.99, \"description\": \"app\", \"categoryName\": \"Software\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, "app", got.Description)
	})

	t.Run("unknown type defaults to expense", func(t *testing.T) {
		got, err := creditgate.ParseTransaction(`{"type": "transfer", "amount": 5, "description": "x", "categoryName": "y"}`)
		require.NoError(t, err)
		assert.Equal(t, "expense", got.Type)
	})

	t.Run("no json object", func(t *testing.T) {
		_, err := creditgate.ParseTransaction("nothing structured here")
		assert.ErrorIs(t, err, creditgate.ErrUnparsableResult)
	})

	t.Run("zero amount", func(t *testing.T) {
		_, err := creditgate.ParseTransaction(`{"type": "expense", "amount": 0, "description": "x", "categoryName": "y"}`)
		assert.ErrorIs(t, err, creditgate.ErrUnparsableResult)
	})

	t.Run("negative amount", func(t *testing.T) {
		_, err := creditgate.ParseTransaction(`{"type": "expense", "amount": -4, "description": "x", "categoryName": "y"}`)
		assert.ErrorIs(t, err, creditgate.ErrUnparsableResult)
	})
}
