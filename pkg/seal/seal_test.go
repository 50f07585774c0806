package seal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustdesk/govrec/pkg/record"
)

func finalizedRevision(recID, revID, hash string, version int) (*record.Record, *record.Revision) {
	rec := &record.Record{ID: recID, ModuleType: record.ModuleInsurance}
	rev := &record.Revision{ID: revID, RecordID: recID, Version: version,
		State: record.StateFinalized, ContentHash: hash}
	return rec, rev
}

func TestAppend_RequiresContentHash(t *testing.T) {
	r := NewRegister()
	rec := &record.Record{ID: "r1"}
	rev := &record.Revision{ID: "v1", State: record.StateDraft}
	_, err := r.Append(rec, rev)
	assert.Error(t, err)
	assert.Equal(t, 0, r.Size())
}

func TestChain_LinksAndVerifies(t *testing.T) {
	r := NewRegister()
	assert.Equal(t, "genesis", r.Head())

	rec1, rev1 := finalizedRevision("r1", "v1", "aaa", 1)
	rec2, rev2 := finalizedRevision("r2", "v2", "bbb", 1)

	s1, err := r.Append(rec1, rev1)
	require.NoError(t, err)
	s2, err := r.Append(rec2, rev2)
	require.NoError(t, err)

	assert.Equal(t, "genesis", s1.PreviousHash)
	assert.Equal(t, s1.SealHash, s2.PreviousHash)
	assert.Equal(t, s2.SealHash, r.Head())
	assert.Equal(t, uint64(1), s1.Sequence)
	assert.Equal(t, uint64(2), s2.Sequence)

	require.NoError(t, r.VerifyChain())
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	r := NewRegister()
	rec, rev := finalizedRevision("r1", "v1", "aaa", 1)
	_, err := r.Append(rec, rev)
	require.NoError(t, err)
	rec2, rev2 := finalizedRevision("r2", "v2", "bbb", 1)
	_, err = r.Append(rec2, rev2)
	require.NoError(t, err)

	// Rewrite sealed history behind the register's back.
	r.seals[0].ContentHash = "tampered"

	err = r.VerifyChain()
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestListByRecord(t *testing.T) {
	r := NewRegister()
	rec, rev := finalizedRevision("r1", "v1", "aaa", 1)
	_, err := r.Append(rec, rev)
	require.NoError(t, err)
	_, rev2 := finalizedRevision("r1", "v2", "ccc", 2)
	_, err = r.Append(rec, rev2)
	require.NoError(t, err)
	recOther, revOther := finalizedRevision("r2", "v9", "bbb", 1)
	_, err = r.Append(recOther, revOther)
	require.NoError(t, err)

	seals := r.ListByRecord("r1")
	require.Len(t, seals, 2)
	assert.Equal(t, 1, seals[0].Version)
	assert.Equal(t, 2, seals[1].Version)
	assert.Empty(t, r.ListByRecord("unknown"))
}

func TestBundle_ExportAndVerify(t *testing.T) {
	r := NewRegister()
	_, err := r.Export()
	assert.Error(t, err, "empty register has nothing to export")

	rec, rev := finalizedRevision("r1", "v1", "aaa", 1)
	_, err = r.Append(rec, rev)
	require.NoError(t, err)
	rec2, rev2 := finalizedRevision("r2", "v2", "bbb", 1)
	_, err = r.Append(rec2, rev2)
	require.NoError(t, err)

	b, err := r.Export()
	require.NoError(t, err)
	assert.Equal(t, 2, b.SealCount)
	assert.Equal(t, r.Head(), b.ChainHead)
	require.NoError(t, VerifyBundle(b))

	b.Seals[1].PreviousHash = "broken"
	assert.ErrorIs(t, VerifyBundle(b), ErrChainBroken)
}
