package assessment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func codingDefinition() ItemDefinition {
	return ItemDefinition{
		Kind:        KindCoding,
		MaxScore:    1,
		SampleCases: []TestCase{{Input: "1", Expected: "1"}},
	}
}

func TestStoreWriteMergesPatch(t *testing.T) {
	store := NewStore([]ItemDefinition{codingDefinition()}, 0)
	require.Equal(t, MaxTestRuns, store.MaxRuns())

	code := "print(1)"
	lang := LanguagePython
	require.NoError(t, store.Write(0, AnswerPatch{Code: &code}))
	require.NoError(t, store.Write(0, AnswerPatch{Language: &lang}))

	item, err := store.Get(0)
	require.NoError(t, err)
	require.Equal(t, Answer{Code: code, Language: lang}, item.Answer)
}

func TestStoreRejectsWritesAfterLock(t *testing.T) {
	store := NewStore([]ItemDefinition{codingDefinition()}, 0)
	require.NoError(t, store.Lock(0))
	require.NoError(t, store.Lock(0), "locking twice is a no-op")

	code := "late"
	err := store.Write(0, AnswerPatch{Code: &code})
	require.True(t, errors.Is(err, ErrItemLocked))
	require.True(t, errors.Is(store.IncrementRunCounter(0, ModeTestRun), ErrItemLocked))
	require.True(t, errors.Is(store.SetResult(0, Result{}), ErrItemLocked))

	item, _ := store.Get(0)
	require.Empty(t, item.Answer.Code)
}

func TestStoreRunCounterOnlyCountsTestRuns(t *testing.T) {
	store := NewStore([]ItemDefinition{codingDefinition()}, 2)

	require.NoError(t, store.IncrementRunCounter(0, ModeDryRun))
	require.NoError(t, store.IncrementRunCounter(0, ModeSubmit))
	require.NoError(t, store.IncrementRunCounter(0, ModeTestRun))
	require.NoError(t, store.IncrementRunCounter(0, ModeTestRun))

	err := store.IncrementRunCounter(0, ModeTestRun)
	require.True(t, errors.Is(err, ErrQuotaExceeded))
	require.NoError(t, store.IncrementRunCounter(0, ModeDryRun))

	item, _ := store.Get(0)
	require.Equal(t, 2, item.RunsUsed)
}

func TestStoreCheckQuotaCountsReservations(t *testing.T) {
	store := NewStore([]ItemDefinition{codingDefinition()}, 2)
	require.NoError(t, store.IncrementRunCounter(0, ModeTestRun))

	require.NoError(t, store.CheckQuota(0, ModeTestRun, 0))
	require.True(t, errors.Is(store.CheckQuota(0, ModeTestRun, 1), ErrQuotaExceeded))
	require.NoError(t, store.CheckQuota(0, ModeDryRun, 10))
}

func TestStoreGetReturnsCopies(t *testing.T) {
	store := NewStore([]ItemDefinition{codingDefinition()}, 0)
	require.NoError(t, store.SetResult(0, Result{Outputs: []CaseOutput{{Actual: "1"}}}))

	item, _ := store.Get(0)
	item.LastResult.Outputs[0].Actual = "tampered"

	again, _ := store.Get(0)
	require.Equal(t, "1", again.LastResult.Outputs[0].Actual)
}

func TestStoreUnknownItem(t *testing.T) {
	store := NewStore([]ItemDefinition{codingDefinition()}, 0)
	_, err := store.Get(3)
	require.True(t, errors.Is(err, ErrUnknownItem))
	_, err = store.Get(-1)
	require.True(t, errors.Is(err, ErrUnknownItem))
}

func TestItemDefinitionValidate(t *testing.T) {
	require.NoError(t, codingDefinition().validate())

	noCases := codingDefinition()
	noCases.SampleCases = nil
	require.Error(t, noCases.validate())

	mcq := ItemDefinition{Kind: KindMCQ, Options: []string{"A", "B"}, CorrectOption: "C"}
	require.Error(t, mcq.validate())
	mcq.CorrectOption = "B"
	require.NoError(t, mcq.validate())

	require.Error(t, ItemDefinition{Kind: "essay"}.validate())
}

func TestParseLanguage(t *testing.T) {
	lang, ok := ParseLanguage(" Python ")
	require.True(t, ok)
	require.Equal(t, LanguagePython, lang)

	_, ok = ParseLanguage("ruby")
	require.False(t, ok)
}
