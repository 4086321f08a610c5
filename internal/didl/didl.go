// Package didl builds and reads the DIDL-Lite metadata fragments renderers
// expect alongside media URIs.
package didl

import (
	"strings"

	"github.com/beevik/etree"
)

const (
	didlNamespace = "urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"
	dcNamespace   = "http://purl.org/dc/elements/1.1/"
	upnpNamespace = "urn:schemas-upnp-org:metadata-1-0/upnp/"

	// Default object class when the caller cannot tell audio from video.
	ClassItem  = "object.item"
	ClassAudio = "object.item.audioItem.musicTrack"
	ClassVideo = "object.item.videoItem.movie"
	ClassImage = "object.item.imageItem.photo"
)

// Item describes one media resource to hand to a renderer.
type Item struct {
	Title        string
	Class        string
	URI          string
	ProtocolInfo string
}

// Track is what the renderer reported about the current media via
// CurrentTrackMetaData.
type Track struct {
	Title      string
	Artist     string
	ArtworkURI string
}

// Build renders an Item as a single-item DIDL-Lite document. Renderers that
// insist on non-empty CurrentURIMetaData get this even when only a URI is
// known.
func Build(item Item) (string, error) {
	doc := etree.NewDocument()

	root := doc.CreateElement("DIDL-Lite")
	root.CreateAttr("xmlns", didlNamespace)
	root.CreateAttr("xmlns:dc", dcNamespace)
	root.CreateAttr("xmlns:upnp", upnpNamespace)

	elem := root.CreateElement("item")
	elem.CreateAttr("id", "0")
	elem.CreateAttr("parentID", "-1")
	elem.CreateAttr("restricted", "1")

	title := item.Title
	if title == "" {
		title = item.URI
	}
	elem.CreateElement("dc:title").SetText(title)

	class := item.Class
	if class == "" {
		class = ClassItem
	}
	elem.CreateElement("upnp:class").SetText(class)

	res := elem.CreateElement("res")
	protocolInfo := item.ProtocolInfo
	if protocolInfo == "" {
		protocolInfo = "http-get:*:*:*"
	}
	res.CreateAttr("protocolInfo", protocolInfo)
	res.SetText(item.URI)

	return doc.WriteToString()
}

// ParseTrack extracts title, artist and artwork from a DIDL-Lite fragment.
// Empty and NOT_IMPLEMENTED metadata yield a zero Track without error;
// renderers routinely send both.
func ParseTrack(metadata string) (Track, error) {
	metadata = strings.TrimSpace(metadata)
	if metadata == "" || metadata == "NOT_IMPLEMENTED" {
		return Track{}, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(metadata); err != nil {
		return Track{}, err
	}

	item := doc.FindElement("//item")
	if item == nil {
		item = doc.FindElement("//container")
	}
	if item == nil {
		return Track{}, nil
	}

	track := Track{
		Title:  elementText(item, "title"),
		Artist: firstText(item, "artist", "creator"),
	}
	track.ArtworkURI = artworkURI(item)
	return track, nil
}

func elementText(item *etree.Element, local string) string {
	for _, child := range item.ChildElements() {
		if child.Tag == local {
			return strings.TrimSpace(child.Text())
		}
	}
	return ""
}

func firstText(item *etree.Element, locals ...string) string {
	for _, local := range locals {
		if text := elementText(item, local); text != "" {
			return text
		}
	}
	return ""
}

// artworkURI prefers an explicit albumArtURI and falls back to the first
// image resource in the item.
func artworkURI(item *etree.Element) string {
	if art := elementText(item, "albumArtURI"); art != "" {
		return art
	}
	for _, child := range item.ChildElements() {
		if child.Tag != "res" {
			continue
		}
		info := child.SelectAttrValue("protocolInfo", "")
		if strings.Contains(info, ":image/") {
			return strings.TrimSpace(child.Text())
		}
	}
	return ""
}
