package books

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestBuildPDFWithoutAssets(t *testing.T) {
	book := &Book{
		ID:          1,
		Title:       "Dragon Tales",
		Description: strPtr("a friendly dragon learns to fly"),
		Style:       StyleCartoon,
		PagesCount:  2,
		Status:      StatusCompleted,
		Pages: []Page{
			{PageNumber: 1, TextContent: strPtr("Once upon a time there was a dragon.")},
			{PageNumber: 2, TextContent: strPtr("The dragon learned to fly.")},
		},
	}

	data, err := BuildPDF(context.Background(), book, nil)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestBuildPDFSkipsUnfetchableArtwork(t *testing.T) {
	assets := newStubAssets()
	book := &Book{
		ID:         2,
		Title:      "Broken Art",
		Style:      StyleManga,
		PagesCount: 1,
		Status:     StatusCompleted,
		CoverImage: strPtr("https://assets.test/missing-cover"),
		Pages: []Page{
			{PageNumber: 1, TextContent: strPtr("Text survives a missing image."), ImageURL: strPtr("https://assets.test/missing-page")},
		},
	}

	data, err := BuildPDF(context.Background(), book, assets)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestBuildPDFNilBook(t *testing.T) {
	_, err := BuildPDF(context.Background(), nil, nil)
	assert.Error(t, err)
}
