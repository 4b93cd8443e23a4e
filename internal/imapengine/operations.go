package imapengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
)

// downloadSizeCap is the hard limit for a single attachment download.
const downloadSizeCap = 25 << 20 // 25MB

// MoveMessage moves one message, addressed by UID, from sourceMailbox to
// destMailbox. Protocol errors are logged and reported as false; the call
// never panics.
func (e *Engine) MoveMessage(ctx context.Context, accountID string, uid uint32, sourceMailbox, destMailbox string) bool {
	if err := ctx.Err(); err != nil {
		return false
	}

	err := e.withMailbox(accountID, sourceMailbox, func(c mailClient) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		return c.UidMove(seqSet, destMailbox)
	})
	if err != nil {
		log.Printf("imap: failed to move uid %d from %s to %s for account %s: %v", uid, sourceMailbox, destMailbox, accountID, err)
		return false
	}

	return true
}

// DownloadAttachment fetches a single body part and returns its raw bytes,
// or nil on any failure. Consumption stops as soon as the accumulated size
// exceeds the 25MB cap, even if the server keeps streaming. The mailbox
// lock is released on every path.
func (e *Engine) DownloadAttachment(ctx context.Context, accountID string, uid uint32, mailbox, partNumber string) []byte {
	if err := ctx.Err(); err != nil {
		return nil
	}

	var data []byte
	err := e.withMailbox(accountID, mailbox, func(c mailClient) error {
		path, err := parsePartNumber(partNumber)
		if err != nil {
			return err
		}

		section := &imap.BodySectionName{
			BodyPartName: imap.BodyPartName{Path: path},
			Peek:         true,
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqSet, []imap.FetchItem{section.FetchItem()}, messages)
		}()

		var readErr error
		msg := <-messages
		switch {
		case msg == nil:
			readErr = fmt.Errorf("message %d not found in %s", uid, mailbox)
		default:
			body := msg.GetBody(section)
			if body == nil {
				readErr = fmt.Errorf("server returned no body for part %s", partNumber)
			} else {
				data, readErr = readAllCapped(body, downloadSizeCap)
			}
		}

		// Drain any remaining responses before surfacing the result.
		for range messages {
		}
		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch part %s of message %d: %w", partNumber, uid, err)
		}
		return readErr
	})
	if err != nil {
		log.Printf("imap: failed to download part %s of uid %d in %s for account %s: %v", partNumber, uid, mailbox, accountID, err)
		return nil
	}

	return data
}

// parsePartNumber turns a dotted IMAP part number like "1.2" into a section
// path.
func parsePartNumber(partNumber string) ([]int, error) {
	if partNumber == "" {
		return nil, fmt.Errorf("empty part number")
	}

	segments := strings.Split(partNumber, ".")
	path := make([]int, 0, len(segments))
	for _, segment := range segments {
		n, err := strconv.Atoi(segment)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid part number %q", partNumber)
		}
		path = append(path, n)
	}
	return path, nil
}

// readAllCapped reads r to EOF, failing as soon as more than limit bytes
// have accumulated. It stops consuming immediately at that point rather
// than counting on.
func readAllCapped(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if int64(buf.Len())+int64(n) > limit {
				return nil, fmt.Errorf("attachment exceeds %d byte limit", limit)
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
