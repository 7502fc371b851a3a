package catalog

import (
	"strings"

	"discburner/internal/queue"
)

const queryIsosByBurner = `query isosByBurner($burner: UUID!) {
  downloadIsosByBurner(burner: $burner) {
    id
    study {
      patient {
        fullName
        identifier
        birthDate
      }
      dicomDateTime
      dicomDescription
    }
    fileUrl
  }
}`

const mutationUpdateStatus = `mutation updateDownloadIsoStatus($isoId: ID!, $statusBurn: String!, $errorMessage: String) {
  updateDownloadIsoStatus(isoId: $isoId, statusBurn: $statusBurn, errorMessage: $errorMessage) {
    success
    errors
  }
}`

const queryTypename = `query { __typename }`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type isoItem struct {
	ID    string `json:"id"`
	Study struct {
		Patient struct {
			FullName   string `json:"fullName"`
			Identifier string `json:"identifier"`
			BirthDate  string `json:"birthDate"`
		} `json:"patient"`
		DicomDateTime    string `json:"dicomDateTime"`
		DicomDescription string `json:"dicomDescription"`
	} `json:"study"`
	FileURL string `json:"fileUrl"`
}

type isosData struct {
	Items []isoItem `json:"downloadIsosByBurner"`
}

type statusData struct {
	Result struct {
		Success bool     `json:"success"`
		Errors  []string `json:"errors"`
	} `json:"updateDownloadIsoStatus"`
}

func (item isoItem) metadata() queue.SourceMetadata {
	return queue.SourceMetadata{
		ID:               strings.TrimSpace(item.ID),
		DownloadURL:      strings.TrimSpace(item.FileURL),
		PatientName:      strings.TrimSpace(item.Study.Patient.FullName),
		PatientID:        strings.TrimSpace(item.Study.Patient.Identifier),
		PatientBirthDate: strings.TrimSpace(item.Study.Patient.BirthDate),
		StudyDateTime:    strings.TrimSpace(item.Study.DicomDateTime),
		StudyDescription: strings.TrimSpace(item.Study.DicomDescription),
	}
}
