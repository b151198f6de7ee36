package transport

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/GetStream/chat-sync/chat"
	"github.com/GetStream/chat-sync/upload"
)

// Upload posts f as a multipart form to /uploads and returns the stored
// attachment. Progress counts file bytes handed to the connection.
func (c *Client) Upload(ctx context.Context, f upload.File, progress func(sent int64)) (chat.Attachment, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(f.Name)))
		h.Set("Content-Type", f.ContentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, &progressReader{r: f.Body, progress: progress}); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.BaseURL, "/")+"/uploads", pr)
	if err != nil {
		pr.Close()
		return chat.Attachment{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var att chat.Attachment
	err = c.roundTrip(req, &att)
	// Unblocks the writer goroutine if the request ended before reading the body.
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("upload %s: %w", f.Name, err)
	}
	return att, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

type progressReader struct {
	r        io.Reader
	sent     int64
	progress func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.progress != nil {
			p.progress(p.sent)
		}
	}
	return n, err
}
