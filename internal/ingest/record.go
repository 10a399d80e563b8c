package ingest

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"time"
)

// Item is one received post bound for storage, tagged with every search
// it matched at receipt time.
type Item struct {
	PostID     string    `json:"postId"`
	SearchIDs  []string  `json:"searchIds"`
	ReceivedAt time.Time `json:"receivedAt"`
	// Payload is the raw upstream post frame.
	Payload []byte `json:"-"`
}

// Queue record: headerLen(4B BE) | header JSON | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeItem(it Item) ([]byte, error) {
	header, err := json.Marshal(it)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+len(header)+len(it.Payload)+4)
	var hb [4]byte
	binary.BigEndian.PutUint32(hb[:], uint32(len(header)))
	out = append(out, hb[:]...)
	out = append(out, header...)
	out = append(out, it.Payload...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, it.Payload)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	out = append(out, cb[:]...)
	return out, nil
}

func decodeItem(b []byte) (Item, bool) {
	if len(b) < 8 {
		return Item{}, false
	}
	hlen := binary.BigEndian.Uint32(b[:4])
	if int(4+hlen+4) > len(b) {
		return Item{}, false
	}
	headerEnd := 4 + int(hlen)
	header := b[4:headerEnd]
	payload := b[headerEnd : len(b)-4]
	want := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != want {
		return Item{}, false
	}
	var it Item
	if err := json.Unmarshal(header, &it); err != nil {
		return Item{}, false
	}
	it.Payload = append([]byte(nil), payload...)
	return it, true
}
