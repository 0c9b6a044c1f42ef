package models

import "strings"

// MediaType is the closed set of message content kinds.
type MediaType string

const (
	MediaText     MediaType = "chat"
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
	MediaLocation MediaType = "location"
	MediaContact  MediaType = "vcard"
	MediaReaction MediaType = "reaction"
	MediaCallLog  MediaType = "call_log"
	MediaSystem   MediaType = "system"
)

var providerMediaTypes = map[string]MediaType{
	"chat":                MediaText,
	"text":                MediaText,
	"conversation":        MediaText,
	"extendedtextmessage": MediaText,
	"image":               MediaImage,
	"imagemessage":        MediaImage,
	"sticker":             MediaImage,
	"stickermessage":      MediaImage,
	"video":               MediaVideo,
	"videomessage":        MediaVideo,
	"audio":               MediaAudio,
	"ptt":                 MediaAudio,
	"voice":               MediaAudio,
	"audiomessage":        MediaAudio,
	"document":            MediaDocument,
	"documentmessage":     MediaDocument,
	"application":         MediaDocument,
	"location":            MediaLocation,
	"locationmessage":     MediaLocation,
	"livelocationmessage": MediaLocation,
	"vcard":               MediaContact,
	"multi_vcard":         MediaContact,
	"contactmessage":      MediaContact,
	"contactsarraymessage": MediaContact,
	"reaction":            MediaReaction,
	"reactionmessage":     MediaReaction,
	"call_log":            MediaCallLog,
	"calllog":             MediaCallLog,
	"e2e_notification":    MediaSystem,
	"notification":        MediaSystem,
	"protocolmessage":     MediaSystem,
	"system":              MediaSystem,
}

// ClassifyMediaType maps a provider type string onto the closed MediaType set.
// Unknown types become MediaDocument.
func ClassifyMediaType(providerType string) MediaType {
	key := strings.ToLower(strings.TrimSpace(providerType))
	if key == "" {
		return MediaText
	}
	if mt, ok := providerMediaTypes[key]; ok {
		return mt
	}
	// mimetypes ("image/jpeg") are accepted as well
	if i := strings.IndexByte(key, '/'); i > 0 {
		if mt, ok := providerMediaTypes[key[:i]]; ok {
			return mt
		}
	}
	return MediaDocument
}

// IsText reports whether the content is re-sendable as plain text.
func (m MediaType) IsText() bool {
	return m == MediaText
}

// Valid reports whether m belongs to the closed set.
func (m MediaType) Valid() bool {
	switch m {
	case MediaText, MediaImage, MediaVideo, MediaAudio, MediaDocument,
		MediaLocation, MediaContact, MediaReaction, MediaCallLog, MediaSystem:
		return true
	}
	return false
}
