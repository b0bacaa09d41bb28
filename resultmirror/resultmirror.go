// Package resultmirror implements an optional secondary sink that mirrors
// each committed work result into DynamoDB, so completed work is queryable
// without reading the output file. Grounded on writer/writer.go: the
// batch/backoff/throttle-retry loop is reused near verbatim, with the
// per-item conversion changed from itemimage.Operation to a (work_id,
// result) pair.
package resultmirror

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/LumiOpen/translation-dispatcher/aws"
)

// DynamoDBSink writes committed results into a DynamoDB table keyed by
// work_id. It implements coordinator.ResultSink.
type DynamoDBSink struct {
	client    aws.DynamoDBClient
	tableName string
}

// NewDynamoDBSink creates a DynamoDBSink targeting tableName.
func NewDynamoDBSink(client aws.DynamoDBClient, tableName string) *DynamoDBSink {
	return &DynamoDBSink{client: client, tableName: tableName}
}

func isThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr)
}

// backoffWait sleeps for an exponentially increasing duration with jitter,
// returning false if ctx is cancelled first.
func backoffWait(ctx context.Context, attempt int) bool {
	base := 100 * time.Millisecond
	maxDelay := 30 * time.Second

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay) + 1))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// MirrorResult writes a single committed result as a DynamoDB item. Single
// results are written via BatchWriteItem with one request so the same
// throttle-retry machinery as a batched writer applies, since the
// coordinator commits and mirrors results one flush at a time rather than
// in large batches.
func (s *DynamoDBSink) MirrorResult(ctx context.Context, workID int64, result string) error {
	item := map[string]types.AttributeValue{
		"work_id": &types.AttributeValueMemberN{Value: strconv.FormatInt(workID, 10)},
		"result":  &types.AttributeValueMemberS{Value: result},
	}

	input := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{
			s.tableName: {{PutRequest: &types.PutRequest{Item: item}}},
		},
	}

	const maxRetries = 5
	attempt := 0
	for {
		output, err := s.client.BatchWriteItem(ctx, input)
		if err != nil {
			if isThrottlingError(err) {
				if !backoffWait(ctx, attempt) {
					return ctx.Err()
				}
				attempt++
				continue
			}
			if attempt < maxRetries {
				if !backoffWait(ctx, attempt) {
					return ctx.Err()
				}
				attempt++
				continue
			}
			return fmt.Errorf("failed to mirror result for work_id=%d after %d retries: %w", workID, maxRetries, err)
		}

		if len(output.UnprocessedItems) > 0 {
			input.RequestItems = output.UnprocessedItems
			if !backoffWait(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		return nil
	}
}
