// Package provider constructs the single process-wide LLM backend the
// Rule Executor calls for every (record, rule) pair.
//
// Grounded in the teacher's engine.CreateProvider: a seven-way
// provider switch (OpenAI, Azure with either API-key or Entra ID auth,
// Anthropic, Amazon Bedrock-Anthropic, Google AI, Google Vertex,
// Groq-as-OpenAI) and
// the same pattern of wrapping the outbound transport in a
// Retry-After-capturing HTTP client, generalized from "one of several
// benchmark providers" to "the one backend this service talks to."
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mlscompliance/complyengine/httpclient"
	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
)

// New constructs the llms.Model for cfg, wrapping its outbound transport in
// client so every call's Retry-After and x-ratelimit-* headers are captured
// on the client itself; the Retry Governor reads the former directly off
// client, and the Rule Executor reads the latter off the same client
// (LastRateLimitHeaders) to update the Rate Limiter after each call. This
// capture covers the OpenAI, Azure, Groq and Anthropic backends only: the
// Google AI backend is given client.Unwrap(), and the Vertex and Bedrock
// backends build their own transports, so no headers are captured for
// them. client must not be nil.
func New(ctx context.Context, cfg model.ProviderConfig, client *httpclient.RetryAfterHTTPClient) (llms.Model, error) {
	isEntraID := cfg.Type == model.ProviderAzure && strings.EqualFold(cfg.AuthType, "entra_id")
	if cfg.Type != model.ProviderGoogleVertex && !isEntraID && cfg.Token == "" {
		return nil, fmt.Errorf("provider: token is empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider: model is empty")
	}

	var llmModel llms.Model
	var err error

	switch cfg.Type {
	case model.ProviderGroq:
		opts := []openai.Option{
			openai.WithToken(cfg.Token),
			openai.WithModel(cfg.Model),
			openai.WithHTTPClient(client),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		} else {
			opts = append(opts, openai.WithBaseURL("https://api.groq.com/openai/v1"))
		}
		llmModel, err = openai.New(opts...)

	case model.ProviderGoogle:
		llmModel, err = googleai.New(ctx,
			googleai.WithAPIKey(cfg.Token),
			googleai.WithDefaultModel(cfg.Model),
			googleai.WithHTTPClient(client.Unwrap()),
		)

	case model.ProviderGoogleVertex:
		llmModel, err = vertex.New(ctx,
			googleai.WithDefaultModel(cfg.Model),
			googleai.WithCloudProject(cfg.ProjectID),
			googleai.WithCloudLocation(cfg.Location),
			googleai.WithCredentialsFile(cfg.CredentialsPath),
		)

	case model.ProviderAnthropic:
		llmModel, err = anthropic.New(
			anthropic.WithModel(cfg.Model),
			anthropic.WithToken(cfg.Token),
			anthropic.WithHTTPClient(client),
		)

	case model.ProviderAmazonAnthropic:
		var awsCfg aws.Config
		awsCfg, err = loadBedrockConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		brc := bedrockruntime.NewFromConfig(awsCfg)
		llmModel, err = bedrock.New(
			bedrock.WithClient(brc),
			bedrock.WithModel(cfg.Model),
		)

	case model.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(cfg.Token),
			openai.WithModel(cfg.Model),
			openai.WithHTTPClient(client),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llmModel, err = openai.New(opts...)

	case model.ProviderAzure:
		if cfg.Version == "" {
			return nil, fmt.Errorf("provider: azure requires version")
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider: azure requires base URL")
		}
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithAPIVersion(cfg.Version),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithHTTPClient(client),
		}
		if isEntraID {
			cred, credErr := azidentity.NewDefaultAzureCredential(nil)
			if credErr != nil {
				return nil, fmt.Errorf("provider: creating azure credential: %w", credErr)
			}
			token, tokenErr := cred.GetToken(ctx, policy.TokenRequestOptions{
				Scopes: []string{"https://cognitiveservices.azure.com/.default"},
			})
			if tokenErr != nil {
				return nil, fmt.Errorf("provider: getting azure token: %w", tokenErr)
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzureAD), openai.WithToken(token.Token))
		} else {
			if cfg.Token == "" {
				return nil, fmt.Errorf("provider: azure api-key auth requires a token")
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzure), openai.WithToken(cfg.Token))
		}
		llmModel, err = openai.New(opts...)

	default:
		return nil, fmt.Errorf("provider: unsupported type %q", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("provider: constructing %s backend: %w", cfg.Type, err)
	}
	if llmModel == nil {
		return nil, fmt.Errorf("provider: %s backend constructed as nil", cfg.Type)
	}

	logger.Logger.Info("llm provider configured", "type", cfg.Type, "model", cfg.Model)
	return llmModel, nil
}

// loadBedrockConfig isolates the aws-sdk-go-v2 import surface needed for
// the Amazon Bedrock-Anthropic path.
func loadBedrockConfig(ctx context.Context, cfg model.ProviderConfig) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Location),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.Token, cfg.Secret, "")),
	)
}
