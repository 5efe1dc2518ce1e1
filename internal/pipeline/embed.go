package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tenderscope/tender-cli/internal/chunker"
	"github.com/tenderscope/tender-cli/internal/extract"
	"github.com/tenderscope/tender-cli/pkg/vector"
)

// seedFilename labels chunks built from the seed excerpt rather than a
// downloaded file.
const seedFilename = "notice-excerpt"

// EmbedDocument chunks every extracted file and stores the chunks under
// the tender's document id. Chunk ids are docID-prefixed so the whole
// document can be removed with one delete-by-prefix call. When no file
// yielded a chunk, the seed excerpt is embedded instead: some sources carry
// the notice body inline with nothing to download. Returns the embedding
// token count billed.
//
// Oversized atomic chunks (a single word over the budget) are skipped
// here, not truncated: losing one unsplittable token beats corrupting it.
func EmbedDocument(ctx context.Context, ck *chunker.Chunker, vc vector.Client, docID string, files []extract.ProcessedFile, seedText string) (int, error) {
	var items []vector.Item
	for _, f := range files {
		items = appendChunks(items, ck, docID, f.File.Filename, f.Text)
	}
	if len(items) == 0 {
		items = appendChunks(items, ck, docID, seedFilename, seedText)
	}

	if len(items) == 0 {
		return 0, eris.Errorf("embed: no chunks for document %s", docID)
	}

	resp, err := vc.Upsert(ctx, items)
	if err != nil {
		return 0, eris.Wrapf(err, "embed: upsert document %s", docID)
	}

	zap.L().Debug("embed: document stored",
		zap.String("document_id", docID),
		zap.Int("chunks", resp.Upserted),
		zap.Int("embedding_tokens", resp.Usage.Tokens),
	)
	return resp.Usage.Tokens, nil
}

func appendChunks(items []vector.Item, ck *chunker.Chunker, docID, filename, text string) []vector.Item {
	for i, chunk := range ck.Chunk(text) {
		if tokens := ck.CountTokens(chunk); tokens > ck.MaxTokens() {
			zap.L().Warn("embed: skipping oversized chunk",
				zap.String("document_id", docID),
				zap.String("file", filename),
				zap.Int("chunk", i),
				zap.Int("tokens", tokens),
			)
			continue
		}
		items = append(items, vector.Item{
			ID:   fmt.Sprintf("%s/%s#%d", docID, filename, i),
			Text: chunk,
			Metadata: map[string]string{
				"document_id": docID,
				"filename":    filename,
			},
		})
	}
	return items
}
