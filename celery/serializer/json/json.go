package json

import "encoding/json"

// ContentType is the MIME type celery uses for json bodies
const ContentType = "application/json"

// Serializer encodes with encoding/json
type Serializer struct {
}

func (p *Serializer) Serialize(o interface{}) (bytes []byte, err error) {
	bytes, err = json.Marshal(o)
	return
}

func (p *Serializer) Deserialize(bytes []byte, o interface{}) (err error) {
	return json.Unmarshal(bytes, o)
}
