package imapengine

import (
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/mailtide/mailtide/internal/models"
)

// CollectAttachments walks a message's body structure and returns metadata
// for every part worth surfacing as an attachment or inline image. It never
// fetches content; part numbers are computed during the walk so each record
// can be fetched individually later.
func CollectAttachments(bs *imap.BodyStructure) []models.Attachment {
	var out []models.Attachment
	collectParts(bs, "", &out)
	return out
}

func collectParts(bs *imap.BodyStructure, partNumber string, out *[]models.Attachment) {
	if bs == nil {
		return
	}

	if strings.EqualFold(bs.MIMEType, "multipart") {
		// Multipart containers have no part number of their own; their
		// children are numbered 1..n under the container's prefix.
		for i, child := range bs.Parts {
			collectParts(child, childPartNumber(partNumber, i), out)
		}
		return
	}

	if partNumber == "" {
		// A non-multipart message body is addressable as part 1.
		partNumber = "1"
	}

	if att, ok := classifyPart(bs, partNumber); ok {
		*out = append(*out, att)
	}

	// Always recurse: attachments nested inside message/rfc822 or inline
	// containers must not be lost.
	for i, child := range bs.Parts {
		collectParts(child, childPartNumber(partNumber, i), out)
	}
}

func childPartNumber(prefix string, index int) string {
	n := strconv.Itoa(index + 1)
	if prefix == "" {
		return n
	}
	return prefix + "." + n
}

func classifyPart(bs *imap.BodyStructure, partNumber string) (models.Attachment, bool) {
	mimeType := strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType)
	disposition := strings.ToLower(bs.Disposition)
	dispositionFilename := paramIgnoreCase(bs.DispositionParams, "filename")
	nameParam := paramIgnoreCase(bs.Params, "name")
	contentID := strings.Trim(bs.Id, "<>")

	if disposition == "inline" {
		if strings.HasPrefix(mimeType, "image/") && contentID != "" {
			filename := firstNonEmpty(dispositionFilename, nameParam, "inline-image")
			return models.Attachment{
				PartNumber: partNumber,
				Filename:   sanitizeFilename(filename),
				MimeType:   mimeType,
				SizeBytes:  int64(bs.Size),
				IsInline:   true,
				ContentID:  contentID,
			}, true
		}
		// Inline text and other inline parts are body content, not
		// attachments.
		return models.Attachment{}, false
	}

	if disposition == "attachment" || dispositionFilename != "" || nameParam != "" {
		filename := firstNonEmpty(dispositionFilename, nameParam, "unnamed")
		if bs.MIMEType == "" {
			mimeType = "application/octet-stream"
		}
		return models.Attachment{
			PartNumber: partNumber,
			Filename:   sanitizeFilename(filename),
			MimeType:   mimeType,
			SizeBytes:  int64(bs.Size),
			ContentID:  contentID,
		}, true
	}

	return models.Attachment{}, false
}

func paramIgnoreCase(params map[string]string, key string) string {
	for k, v := range params {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
