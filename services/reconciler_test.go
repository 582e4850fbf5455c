package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileOnceBackfillsMissingRows(t *testing.T) {
	catalog := newTestCatalog(t)
	db := catalog.DB()

	require.NoError(t, catalog.CreateVideo("v1", "clip.mp4"))
	require.NoError(t, catalog.UpsertOCRFrame("v1", "videos/v1/greyscaled/frame_0001.jpg", "indexed text"))

	// Simulate an index wiped by a self-heal recreate.
	_, err := db.Exec(`DELETE FROM ocr_index`)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM ocr_index`))
	require.Equal(t, 0, n)

	r := NewReconciler(catalog, 0)
	added, err := r.ReconcileOnce()
	require.NoError(t, err)
	assert.EqualValues(t, 1, added)

	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM ocr_index WHERE ocr_index MATCH 'indexed'`))
	assert.Equal(t, 1, n)

	// A second pass finds nothing to do.
	added, err = r.ReconcileOnce()
	require.NoError(t, err)
	assert.EqualValues(t, 0, added)
}

func TestReconcileOnceIgnoresUnprocessedRows(t *testing.T) {
	catalog := newTestCatalog(t)
	db := catalog.DB()

	_, err := db.Exec(`INSERT INTO ocr_frames (id, video_id, frame_path, ocr_text, is_processed)
		VALUES ('o1', 'v1', 'videos/v1/greyscaled/frame_0001.jpg', '', 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM ocr_index`)
	require.NoError(t, err)

	added, err := NewReconciler(catalog, 0).ReconcileOnce()
	require.NoError(t, err)
	assert.EqualValues(t, 0, added)
}
