package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/callcore/pkg/media"
)

var errNoMedia = errors.New("sdp has no media sections")

// MediaKinds разбирает SDP и возвращает типы медиа из m-строк.
// Повторяющиеся типы возвращаются один раз.
func MediaKinds(raw string) ([]media.TrackKind, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, errNoMedia
	}

	var kinds []media.TrackKind
	seen := make(map[media.TrackKind]bool)
	for _, md := range desc.MediaDescriptions {
		kind := media.TrackKind(md.MediaName.Media)
		if kind != media.TrackKindAudio && kind != media.TrackKindVideo {
			continue
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// ConstraintsForOffer сужает локальные ограничения до типов медиа,
// которые предлагает удаленная сторона. Если пересечение пустое или SDP
// не разбирается, возвращаются исходные ограничения.
func ConstraintsForOffer(offerSDP string, local media.Constraints) media.Constraints {
	kinds, err := MediaKinds(offerSDP)
	if err != nil {
		return local
	}
	var c media.Constraints
	for _, k := range kinds {
		switch k {
		case media.TrackKindAudio:
			c.Audio = local.Audio
		case media.TrackKindVideo:
			c.Video = local.Video
		}
	}
	if c.Empty() {
		return local
	}
	return c
}
