// Package knowledge is the document side of the router: a local SQLite index
// of chunked documents and the agent that answers from it.
//
// Each chunk is stored with its embedding and mirrored into an FTS5 table.
// A search runs a keyword leg (bm25 over FTS5) and a vector leg (cosine over
// the stored embeddings) concurrently and scores the union of both
// candidate sets.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"tagrouter/cli/internal/llm"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    source TEXT,
    indexed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    doc_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ord INTEGER NOT NULL,
    body TEXT NOT NULL,
    embedding BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    body,
    content='chunks',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, body) VALUES (new.id, new.body);
END;

CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, body) VALUES ('delete', old.id, old.body);
END;

CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, body) VALUES ('delete', old.id, old.body);
    INSERT INTO chunks_fts(rowid, body) VALUES (new.id, new.body);
END;
`

// Score weights. Coverage is the share of distinct query terms present in
// the passage.
const (
	vectorWeight   = 0.6
	coverageWeight = 0.4
)

// Document is one source text to index.
type Document struct {
	ID     string
	Title  string
	Body   string
	Source string
}

// Passage is a scored search hit.
type Passage struct {
	DocID string
	Title string
	Text  string
	Score float64
}

// Searcher finds passages for a query, best first.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// Index is a SQLite-backed Searcher. It is safe for concurrent use.
type Index struct {
	db        *sql.DB
	emb       llm.Embedder
	chunkSize int
}

// Open opens or creates the index at path.
func Open(ctx context.Context, path string, emb llm.Embedder, chunkSize int) (*Index, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, errors.Wrap(err, "create index directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open index")
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "set %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize index schema")
	}
	if chunkSize <= 0 {
		chunkSize = 800
	}
	return &Index{db: db, emb: emb, chunkSize: chunkSize}, nil
}

// Close closes the database.
func (x *Index) Close() error { return x.db.Close() }

// Ingest chunks, embeds and stores docs, replacing any earlier version of
// the same document ID. Embedding runs concurrently per document; the
// writes happen in one transaction.
func (x *Index) Ingest(ctx context.Context, docs []Document) (int, error) {
	type prepared struct {
		doc    Document
		chunks []string
		vecs   [][]float32
	}
	out := make([]prepared, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, d := range docs {
		g.Go(func() error {
			if d.ID == "" {
				return errors.Errorf("document %q has no id", d.Title)
			}
			chunks := Chunk(d.Body, x.chunkSize)
			inputs := make([]string, len(chunks))
			for j, c := range chunks {
				inputs[j] = d.Title + "\n" + c
			}
			vecs, err := x.emb.Embed(gctx, inputs)
			if err != nil {
				return errors.Wrapf(err, "embed %s", d.ID)
			}
			if len(vecs) != len(chunks) {
				return errors.Errorf("embed %s: got %d vectors for %d chunks", d.ID, len(vecs), len(chunks))
			}
			out[i] = prepared{doc: d, chunks: chunks, vecs: vecs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin ingest")
	}
	defer tx.Rollback()

	total := 0
	now := time.Now().Unix()
	for _, p := range out {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, p.doc.ID); err != nil {
			return 0, errors.Wrap(err, "delete old chunks")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, title, source, indexed_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET title = excluded.title, source = excluded.source, indexed_at = excluded.indexed_at`,
			p.doc.ID, p.doc.Title, p.doc.Source, now); err != nil {
			return 0, errors.Wrap(err, "upsert document")
		}
		for i, c := range p.chunks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunks (doc_id, ord, body, embedding) VALUES (?, ?, ?, ?)`,
				p.doc.ID, i, c, encodeVector(p.vecs[i])); err != nil {
				return 0, errors.Wrap(err, "insert chunk")
			}
			total++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit ingest")
	}
	log.Debug().Int("documents", len(docs)).Int("chunks", total).Msg("knowledge ingested")
	return total, nil
}

// Stats returns the number of documents and chunks.
func (x *Index) Stats(ctx context.Context) (docs, chunks int, err error) {
	err = x.db.QueryRowContext(ctx,
		`SELECT (SELECT count(*) FROM documents), (SELECT count(*) FROM chunks)`).Scan(&docs, &chunks)
	return docs, chunks, errors.Wrap(err, "index stats")
}

type candidate struct {
	id     int64
	docID  string
	title  string
	body   string
	cosine float64
}

// Search returns at most k passages, best first. Scores are in [0, 1].
func (x *Index) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = 3
	}
	terms := uniqueTerms(query)

	var (
		lexical []int64
		cands   map[int64]*candidate
		qvec    []float32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := x.keywordLeg(gctx, terms, k*4)
		lexical = ids
		return err
	})
	g.Go(func() error {
		vecs, err := x.emb.Embed(gctx, []string{query})
		if err != nil {
			return errors.Wrap(err, "embed query")
		}
		if len(vecs) != 1 {
			return errors.New("embed query: no vector")
		}
		qvec = vecs[0]
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cands, err := x.vectorLeg(ctx, qvec)
	if err != nil {
		return nil, err
	}

	scored := make(map[int64]Passage)
	add := func(c *candidate) {
		cov := coverage(terms, c.title+" "+c.body)
		score := vectorWeight*math.Max(c.cosine, 0) + coverageWeight*cov
		scored[c.id] = Passage{DocID: c.docID, Title: c.title, Text: c.body, Score: score}
	}
	// Keyword hits always compete even if their vectors rank low.
	for _, id := range lexical {
		if c, ok := cands[id]; ok {
			add(c)
		}
	}
	vecRanked := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		vecRanked = append(vecRanked, c)
	}
	sort.Slice(vecRanked, func(i, j int) bool { return vecRanked[i].cosine > vecRanked[j].cosine })
	for i, c := range vecRanked {
		if i >= k*4 {
			break
		}
		add(c)
	}

	out := make([]Passage, 0, len(scored))
	for _, p := range scored {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (x *Index) keywordLeg(ctx context.Context, terms []string, limit int) ([]int64, error) {
	match := ftsQuery(terms)
	if match == "" {
		return nil, nil
	}
	rows, err := x.db.QueryContext(ctx,
		`SELECT rowid FROM chunks_fts WHERE chunks_fts MATCH ? ORDER BY bm25(chunks_fts) LIMIT ?`,
		match, limit)
	if err != nil {
		return nil, errors.Wrap(err, "keyword search")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan keyword hit")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "keyword search")
}

// vectorLeg scores every stored chunk against qvec.
func (x *Index) vectorLeg(ctx context.Context, qvec []float32) (map[int64]*candidate, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT c.id, c.doc_id, d.title, c.body, c.embedding
		 FROM chunks c JOIN documents d ON d.id = c.doc_id`)
	if err != nil {
		return nil, errors.Wrap(err, "vector search")
	}
	defer rows.Close()

	out := map[int64]*candidate{}
	for rows.Next() {
		c := &candidate{}
		var blob []byte
		if err := rows.Scan(&c.id, &c.docID, &c.title, &c.body, &blob); err != nil {
			return nil, errors.Wrap(err, "scan chunk")
		}
		c.cosine = llm.Cosine(qvec, decodeVector(blob))
		out[c.id] = c
	}
	return out, errors.Wrap(rows.Err(), "vector search")
}

// ftsQuery quotes every term so FTS5 operators in user text are inert.
func ftsQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func uniqueTerms(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range llm.Tokens(text) {
		if len(t) < 2 || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func coverage(terms []string, body string) float64 {
	if len(terms) == 0 {
		return 0
	}
	have := map[string]bool{}
	for _, t := range llm.Tokens(body) {
		have[t] = true
	}
	n := 0
	for _, t := range terms {
		if have[t] {
			n++
		}
	}
	return float64(n) / float64(len(terms))
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// Chunk splits text into pieces of at most size characters, preferring
// paragraph, then sentence, then word boundaries.
func Chunk(text string, size int) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		for _, piece := range splitLong(para, size) {
			if cur.Len() > 0 && cur.Len()+2+len(piece) > size {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(piece)
		}
	}
	flush()
	return chunks
}

func splitLong(para string, size int) []string {
	if len(para) <= size {
		return []string{para}
	}
	var out []string
	var cur strings.Builder
	for _, word := range strings.Fields(para) {
		if cur.Len() > 0 && cur.Len()+1+len(word) > size {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(word)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// DocID derives a stable document id from a file path.
func DocID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ReadDocument loads a text or markdown file. The first markdown heading,
// if any, becomes the title.
func ReadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, errors.Wrapf(err, "read %s", path)
	}
	body := string(data)
	title := DocID(path)
	for _, line := range strings.SplitN(body, "\n", 5) {
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			break
		}
	}
	return Document{ID: DocID(path), Title: title, Body: body, Source: path}, nil
}

func (p Passage) String() string {
	return fmt.Sprintf("%s (%.2f)", p.Title, p.Score)
}
