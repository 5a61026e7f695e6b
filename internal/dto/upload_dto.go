package dto

// UploadResponse describes a stored chat image.
type UploadResponse struct {
	ImagePath string `json:"image_path"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
	Checksum  string `json:"checksum"`
	FileName  string `json:"file_name"`
}
