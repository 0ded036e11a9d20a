package objectstore

import (
	"encoding/json"
	"fmt"
)

// Statement sids used to recognise NLDS-managed policy statements. The
// group statement is left alone once present so group admins can adjust
// it.
const (
	sidService = "nlds-service"
	sidGroup   = "nlds-group-read"
)

type policyStatement struct {
	Sid       string                 `json:"Sid,omitempty"`
	Effect    string                 `json:"Effect"`
	Principal map[string]interface{} `json:"Principal"`
	Action    []string               `json:"Action"`
	Resource  []string               `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// BuildPolicy renders the bucket policy granting the service identity full
// access and, optionally, the owning group read access.
func BuildPolicy(bucket, serviceUser, group string, groupRead bool) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			serviceStatement(bucket, serviceUser),
		},
	}
	if groupRead && group != "" {
		doc.Statement = append(doc.Statement, groupStatement(bucket, group))
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render bucket policy: %w", err)
	}
	return string(raw), nil
}

func serviceStatement(bucket, serviceUser string) policyStatement {
	return policyStatement{
		Sid:    sidService,
		Effect: "Allow",
		Principal: map[string]interface{}{
			"AWS": []string{fmt.Sprintf("arn:aws:iam:::user/%s", serviceUser)},
		},
		Action: []string{"s3:*"},
		Resource: []string{
			fmt.Sprintf("arn:aws:s3:::%s", bucket),
			fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
		},
	}
}

func groupStatement(bucket, group string) policyStatement {
	return policyStatement{
		Sid:    sidGroup,
		Effect: "Allow",
		Principal: map[string]interface{}{
			"AWS": []string{fmt.Sprintf("arn:aws:iam:::group/%s", group)},
		},
		Action: []string{"s3:GetObject", "s3:ListBucket"},
		Resource: []string{
			fmt.Sprintf("arn:aws:s3:::%s", bucket),
			fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
		},
	}
}

// MergePolicy re-applies the service statement onto an existing policy,
// preserving every statement NLDS does not own plus any group statement a
// group admin may have edited.
func MergePolicy(existing, bucket, serviceUser, group string, groupRead bool) (string, error) {
	if existing == "" {
		return BuildPolicy(bucket, serviceUser, group, groupRead)
	}
	var doc policyDocument
	if err := json.Unmarshal([]byte(existing), &doc); err != nil {
		return "", fmt.Errorf("parse bucket policy: %w", err)
	}
	kept := doc.Statement[:0]
	haveGroup := false
	for _, st := range doc.Statement {
		switch st.Sid {
		case sidService:
			continue
		case sidGroup:
			haveGroup = true
		}
		kept = append(kept, st)
	}
	doc.Statement = append(kept, serviceStatement(bucket, serviceUser))
	if groupRead && group != "" && !haveGroup {
		doc.Statement = append(doc.Statement, groupStatement(bucket, group))
	}
	if doc.Version == "" {
		doc.Version = "2012-10-17"
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render bucket policy: %w", err)
	}
	return string(raw), nil
}
