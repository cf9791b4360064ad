package invoicerelay

import (
	"net/url"
	"strings"
)

// ObjectNotification mirrors the storage event notification envelope.
type ObjectNotification struct {
	Records []NotificationRecord `json:"Records"`
}

type NotificationRecord struct {
	EventName string             `json:"eventName,omitempty"`
	S3        NotificationEntity `json:"s3"`
}

type NotificationEntity struct {
	Bucket NotificationBucket `json:"bucket"`
	Object NotificationObject `json:"object"`
}

type NotificationBucket struct {
	Name string `json:"name"`
}

type NotificationObject struct {
	Key  string `json:"key"`
	Size int64  `json:"size,omitempty"`
}

func NewObjectNotification(bucket string, keys ...string) ObjectNotification {
	out := ObjectNotification{Records: make([]NotificationRecord, 0, len(keys))}
	for _, key := range keys {
		out.Records = append(out.Records, NotificationRecord{
			EventName: "ObjectCreated:Put",
			S3: NotificationEntity{
				Bucket: NotificationBucket{Name: bucket},
				Object: NotificationObject{Key: key},
			},
		})
	}
	return out
}

// ObjectPath is a decoded "folder/fileName" object key.
type ObjectPath struct {
	Key      string
	Folder   string
	FileName string
}

// ParseObjectKey decodes a notification key and checks it names an
// ingestible file. When sourceFolder is set the key must live directly in it,
// so files already moved elsewhere in the container are not re-ingested.
func ParseObjectKey(raw, sourceFolder string) (ObjectPath, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return ObjectPath{}, validationError("parse_object_key", Key{}, "object key %q is not url-encoded: %v", raw, err)
	}
	if !strings.HasSuffix(decoded, AcceptedExtension) {
		return ObjectPath{}, validationError("parse_object_key", Key{}, "object key %q does not end in %s", decoded, AcceptedExtension)
	}
	idx := strings.LastIndex(decoded, "/")
	if idx <= 0 || idx == len(decoded)-1 {
		return ObjectPath{}, validationError("parse_object_key", Key{}, "object key %q is not of the form folder/fileName", decoded)
	}
	path := ObjectPath{
		Key:      decoded,
		Folder:   decoded[:idx],
		FileName: decoded[idx+1:],
	}
	if folder := strings.Trim(sourceFolder, "/"); folder != "" && path.Folder != folder {
		return ObjectPath{}, validationError("parse_object_key", Key{}, "object key %q is outside source folder %q", decoded, folder)
	}
	return path, nil
}

// ObjectKey joins a folder and file name the way keys are laid out in a container.
func ObjectKey(folder, fileName string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return fileName
	}
	return folder + "/" + fileName
}
