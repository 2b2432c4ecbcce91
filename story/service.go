package story

import (
	"context"
	"fmt"

	"github.com/jmcleod/storyverse/client"
)

// Service performs story calls against the backend.
type Service struct {
	client    *client.Client
	endpoints Endpoints
}

// NewService binds the story calls to c and e.
func NewService(c *client.Client, e Endpoints) *Service {
	return &Service{client: c, endpoints: e}
}

// List returns the signed-in user's stories.
func (s *Service) List(ctx context.Context) ([]Story, error) {
	env, err := client.Request[[]Story](ctx, s.client, s.endpoints.Collection())
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// Get returns one story.
func (s *Service) Get(ctx context.Context, id int64) (Story, error) {
	env, err := client.Request[Story](ctx, s.client, s.endpoints.Item(id))
	if err != nil {
		return Story{}, err
	}
	return env.Data, nil
}

// Create uploads an image with its description and style and returns the
// envelope of the generated story, whose message is shown to the user.
func (s *Service) Create(ctx context.Context, in CreateInput) (*client.Envelope[Story], error) {
	if in.Image == nil {
		return nil, fmt.Errorf("create story: image is required")
	}
	body := client.FormBody{
		Fields: []client.FormField{
			{Name: "description", Value: in.Description},
			{Name: "style", Value: in.Style},
		},
		Files: []client.FormFile{{
			Field:       "image",
			Filename:    in.Filename,
			ContentType: in.ContentType,
			Content:     in.Image,
		}},
	}
	return client.Request[Story](ctx, s.client, s.endpoints.Collection(),
		client.WithMethod("POST"),
		client.WithBody(body))
}

// Document opens the generated document of st. The caller must close the
// returned body.
func (s *Service) Document(ctx context.Context, st Story) (*client.Download, error) {
	if st.PDFURL == "" {
		return nil, ErrNoDocument
	}
	return client.Fetch(ctx, s.client, st.PDFURL)
}
